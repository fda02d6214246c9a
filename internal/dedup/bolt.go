package dedup

import (
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
	"go.uber.org/zap"
)

const bucketName = "seen_tx"

// BoltIndex persists seen ids in a BoltDB file and mirrors them in memory
// so lookups never touch disk.
type BoltIndex struct {
	db     *bolt.DB
	memory *MemoryIndex
}

// OpenBoltIndex opens (or creates) the index file and loads every stored id.
func OpenBoltIndex(path string) (*BoltIndex, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("unable to open dedup index %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	memory := NewMemoryIndex()
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(k, _ []byte) error {
			return memory.MarkSeen(string(k))
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to load dedup index: %w", err)
	}

	zap.L().Info("Dedup index opened", zap.String("path", path), zap.Int("entries", memory.Len()))
	return &BoltIndex{db: db, memory: memory}, nil
}

func (b *BoltIndex) HasSeen(txId string) bool {
	return b.memory.HasSeen(txId)
}

// MarkSeen writes the id only if it is not already present.
func (b *BoltIndex) MarkSeen(txId string) error {
	if b.memory.HasSeen(txId) {
		return nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket.Get([]byte(txId)) != nil {
			return nil
		}
		return bucket.Put([]byte(txId), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return fmt.Errorf("unable to persist seen tx %s: %w", txId, err)
	}
	return b.memory.MarkSeen(txId)
}

// Reset rewrites the bucket with txIds in a single transaction.
func (b *BoltIndex) Reset(txIds []string) error {
	stamp := []byte(time.Now().UTC().Format(time.RFC3339))
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketName)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket([]byte(bucketName))
		if err != nil {
			return err
		}
		for _, id := range txIds {
			if err := bucket.Put([]byte(id), stamp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("unable to rebuild dedup index: %w", err)
	}
	return b.memory.Reset(txIds)
}

func (b *BoltIndex) Len() int {
	return b.memory.Len()
}

// Close releases the database file lock.
func (b *BoltIndex) Close() error {
	return b.db.Close()
}
