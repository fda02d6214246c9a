package formance

import (
	"context"
	"errors"
	"fmt"

	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/resilience"
	"xrp-payment-monitor/internal/store"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.PaymentStore.
var _ store.PaymentStore = (*Service)(nil)

const defaultLedgerName = "xrp-payments"

// Service implements store.PaymentStore backed by a Formance Stack ledger.
// Every payment is one ledger transaction whose Reference is the XRPL tx hash.
type Service struct {
	client *v3.Formance
	ledger string
}

// NewService connects to the stack, creates the ledger if it doesn't already exist, and returns ready to use.
func NewService(ctx context.Context, cfg models.FormanceConfig) (*Service, error) {
	if cfg.StackURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, resilience.FatalConfig("formance.open", fmt.Errorf("formance config requires StackURL, ClientID, and ClientSecret"))
	}
	if cfg.LedgerName == "" {
		cfg.LedgerName = defaultLedgerName
	}

	zap.L().Info("Connecting to Formance Stack",
		zap.String("stack_url", cfg.StackURL),
		zap.String("ledger", cfg.LedgerName))

	client := v3.New(
		v3.WithServerURL(cfg.StackURL),
		v3.WithSecurity(shared.Security{
			ClientID:     v3.Pointer(cfg.ClientID),
			ClientSecret: v3.Pointer(cfg.ClientSecret),
		}),
	)

	svc := &Service{client: client, ledger: cfg.LedgerName}

	if err := svc.ensureLedger(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger exists: %w", err)
	}

	zap.L().Info("Formance service initialized", zap.String("ledger", cfg.LedgerName))
	return svc, nil
}

// ensureLedger creates the ledger if it does not already exist.
func (s *Service) ensureLedger(ctx context.Context) error {
	_, err := s.client.Ledger.V2.CreateLedger(ctx, operations.V2CreateLedgerRequest{
		Ledger: s.ledger,
		V2CreateLedgerRequest: shared.V2CreateLedgerRequest{
			Metadata: map[string]string{
				"application": "xrp-payment-monitor",
			},
		},
	})
	if err != nil {
		var apiErr *sdkerrors.V2ErrorResponse
		if errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumLedgerAlreadyExists {
			zap.L().Info("Ledger already exists", zap.String("ledger", s.ledger))
			return nil
		}
		return err
	}
	zap.L().Info("Ledger created", zap.String("ledger", s.ledger))
	return nil
}

// Close is a no-op for the Formance backend (HTTP client needs no teardown).
func (s *Service) Close() {}

// ---------- helpers ----------

// isConflictError checks whether a Formance SDK error is a CONFLICT (duplicate reference).
func isConflictError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumConflict
}

// classify treats anything that is not a structured ledger rejection as a
// transport failure worth retrying.
func classify(op string, err error) error {
	var apiErr *sdkerrors.V2ErrorResponse
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode {
		case shared.V2ErrorsEnumValidation, shared.V2ErrorsEnumCompilationFailed, shared.V2ErrorsEnumNoPostings:
			return resilience.Malformed(op, err)
		case shared.V2ErrorsEnumInternal:
			return resilience.Transient(op, errors.Join(store.ErrUnavailable, err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return resilience.Transient(op, errors.Join(store.ErrUnavailable, err))
}

func strPtr(s string) *string { return &s }
func ptrInt64(v int64) *int64 { return &v }
