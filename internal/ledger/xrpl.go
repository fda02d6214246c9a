package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/resilience"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	opFetch     = "ledger.account_tx"
	maxBodySize = 16 << 20
)

// rippled error codes that mean "try again later"
var transientCodes = map[string]bool{
	"slowDown":    true,
	"tooBusy":     true,
	"noNetwork":   true,
	"noCurrent":   true,
	"noClosed":    true,
	"lgrNotFound": true,
}

// XRPLClient calls the account_tx JSON-RPC method of a rippled node.
type XRPLClient struct {
	url     string
	limit   int
	http    *http.Client
	limiter *rate.Limiter
}

var _ Client = (*XRPLClient)(nil)

func NewXRPLClient(cfg models.LedgerConfig, httpClient *http.Client) (*XRPLClient, error) {
	if cfg.NodeURL == "" {
		return nil, resilience.FatalConfig("ledger.new", fmt.Errorf("XRPL node URL cannot be empty"))
	}
	limit := cfg.PageLimit
	if limit <= 0 {
		limit = 200
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &XRPLClient{
		url:     cfg.NodeURL,
		limit:   limit,
		http:    httpClient,
		limiter: limiter,
	}, nil
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params []accountTxArgs `json:"params"`
}

type accountTxArgs struct {
	Account        string          `json:"account"`
	LedgerIndexMin int64           `json:"ledger_index_min"`
	LedgerIndexMax int64           `json:"ledger_index_max"`
	Limit          int             `json:"limit"`
	Marker         json.RawMessage `json:"marker,omitempty"`
	Forward        bool            `json:"forward"`
}

type rpcResponse struct {
	Result accountTxResult `json:"result"`
}

type accountTxResult struct {
	Status       string           `json:"status"`
	Error        string           `json:"error"`
	ErrorMessage string           `json:"error_message"`
	Marker       json.RawMessage  `json:"marker"`
	Transactions []accountTxEntry `json:"transactions"`
}

// accountTxEntry covers both API v1 ("tx") and v2 ("tx_json" + "hash") shapes.
type accountTxEntry struct {
	Tx        map[string]any `json:"tx"`
	TxJSON    map[string]any `json:"tx_json"`
	Hash      string         `json:"hash"`
	Meta      map[string]any `json:"meta"`
	Validated bool           `json:"validated"`
}

func (e accountTxEntry) record() models.LedgerRecord {
	tx := e.Tx
	if tx == nil && e.TxJSON != nil {
		tx = e.TxJSON
		if _, ok := tx["hash"]; !ok && e.Hash != "" {
			tx["hash"] = e.Hash
		}
	}
	return models.LedgerRecord{Tx: tx, Meta: e.Meta, Validated: e.Validated}
}

// FetchTransactions returns one page of the account's validated history,
// newest first.
func (c *XRPLClient) FetchTransactions(ctx context.Context, address string, marker Marker) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	args := accountTxArgs{
		Account:        address,
		LedgerIndexMin: -1,
		LedgerIndexMax: -1,
		Limit:          c.limit,
		Forward:        false,
	}
	if !marker.IsEmpty() {
		args.Marker = json.RawMessage(marker)
	}

	body, err := json.Marshal(rpcRequest{Method: "account_tx", Params: []accountTxArgs{args}})
	if err != nil {
		return nil, resilience.Malformed(opFetch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, resilience.Malformed(opFetch, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, resilience.Transient(opFetch, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resilience.Transient(opFetch, err)
	}

	if err := checkStatus(resp.StatusCode, raw); err != nil {
		return nil, err
	}

	return decodePage(raw, address)
}

func checkStatus(code int, body []byte) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return resilience.Transient(opFetch, fmt.Errorf("node returned HTTP %d", code)).
			WithDetail("body", truncate(body))
	default:
		return resilience.Malformed(opFetch, fmt.Errorf("node returned HTTP %d", code)).
			WithDetail("body", truncate(body))
	}
}

func decodePage(raw []byte, address string) (*Page, error) {
	var rpc rpcResponse
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rpc); err != nil {
		return nil, resilience.Malformed(opFetch, fmt.Errorf("unable to decode account_tx response: %w", err))
	}

	res := rpc.Result
	if res.Status == "error" || res.Error != "" {
		if res.Error == "actNotFound" {
			zap.L().Debug("Account not found on ledger yet", zap.String("address", address))
			return &Page{}, nil
		}
		err := fmt.Errorf("account_tx failed: %s: %s", res.Error, res.ErrorMessage)
		if transientCodes[res.Error] {
			return nil, resilience.Transient(opFetch, err).WithDetail("code", res.Error)
		}
		return nil, resilience.Malformed(opFetch, err).WithDetail("code", res.Error)
	}

	page := &Page{Records: make([]models.LedgerRecord, 0, len(res.Transactions))}
	for _, entry := range res.Transactions {
		page.Records = append(page.Records, entry.record())
	}
	if !Marker(res.Marker).IsEmpty() {
		page.Marker = Marker(res.Marker)
	}
	return page, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		return s[:256]
	}
	return s
}
