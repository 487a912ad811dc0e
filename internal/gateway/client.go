// Package gateway talks to the card/bank payment processor: transaction
// verification and initialization, transfer recipients, transfers, refunds,
// and webhook signature checks.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tasklinker/backend/internal/apperr"
	"github.com/tasklinker/backend/internal/metrics"
)

const DefaultTimeout = 10 * time.Second

// Transaction statuses reported by VerifyTransaction.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// APIError is a non-retryable rejection (4xx) from the gateway.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Metadata is attached to a transaction at initialization and echoed back on
// verification and charge webhooks.
type Metadata struct {
	MilestoneID string `json:"milestone_id,omitempty"`
	EscrowID    string `json:"escrow_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
}

type Transaction struct {
	Reference string
	Status    string
	Amount    int64
	Currency  string
	Metadata  Metadata
	PaidAt    *time.Time
}

type InitializeRequest struct {
	Email       string
	Amount      int64
	Reference   string
	Metadata    Metadata
	CallbackURL string
}

type Authorization struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type BankDetails struct {
	Name          string
	AccountNumber string
	BankCode      string
	Currency      string
}

type TransferRequest struct {
	RecipientCode string
	Amount        int64
	Reference     string
	Reason        string
}

type Transfer struct {
	Status       string `json:"status"`
	TransferCode string `json:"transfer_code"`
	Reference    string `json:"reference"`
}

type Refund struct {
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	secretKey  string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// envelope is the processor's uniform response wrapper.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do sends one request. Transport failures, timeouts, 429 and 5xx come back
// as GatewayUnavailable; other non-2xx responses as *APIError.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("gateway %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordGatewayRequest(op, "error", time.Since(start))
		return apperr.Wrap(apperr.GatewayUnavailable, err, "payment gateway unreachable")
	}
	defer resp.Body.Close()
	metrics.RecordGatewayRequest(op, strconv.Itoa(resp.StatusCode), time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.GatewayUnavailable, err, "payment gateway response interrupted")
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.New(apperr.GatewayUnavailable, "payment gateway returned %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return apperr.Wrap(apperr.GatewayUnavailable, decodeErr, "payment gateway returned invalid JSON")
	}
	if !env.Status {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("gateway %s: decode data: %w", op, err)
	}
	return nil
}

// VerifyTransaction asks the gateway for the authoritative state of a charge.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*Transaction, error) {
	var data struct {
		Reference string          `json:"reference"`
		Status    string          `json:"status"`
		Amount    int64           `json:"amount"`
		Currency  string          `json:"currency"`
		PaidAt    *time.Time      `json:"paid_at"`
		Metadata  json.RawMessage `json:"metadata"`
	}
	if err := c.do(ctx, "verify_transaction", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data); err != nil {
		return nil, err
	}
	return &Transaction{
		Reference: data.Reference,
		Status:    data.Status,
		Amount:    data.Amount,
		Currency:  data.Currency,
		PaidAt:    data.PaidAt,
		Metadata:  decodeMetadata(data.Metadata),
	}, nil
}

// InitializeTransaction starts a hosted checkout and returns where to send the payer.
func (c *Client) InitializeTransaction(ctx context.Context, r InitializeRequest) (*Authorization, error) {
	body := map[string]any{
		"email":     r.Email,
		"amount":    r.Amount,
		"reference": r.Reference,
		"metadata":  r.Metadata,
	}
	if r.CallbackURL != "" {
		body["callback_url"] = r.CallbackURL
	}
	var auth Authorization
	if err := c.do(ctx, "initialize_transaction", http.MethodPost, "/transaction/initialize", body, &auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

// CreateTransferRecipient registers bank details and returns the recipient code.
func (c *Client) CreateTransferRecipient(ctx context.Context, b BankDetails) (string, error) {
	currency := b.Currency
	if currency == "" {
		currency = "NGN"
	}
	body := map[string]any{
		"type":           "nuban",
		"name":           b.Name,
		"account_number": b.AccountNumber,
		"bank_code":      b.BankCode,
		"currency":       currency,
	}
	var data struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := c.do(ctx, "create_transfer_recipient", http.MethodPost, "/transferrecipient", body, &data); err != nil {
		return "", err
	}
	if data.RecipientCode == "" {
		return "", errors.New("gateway create_transfer_recipient: empty recipient code")
	}
	return data.RecipientCode, nil
}

// InitiateTransfer pays out from the balance. The gateway rejects a repeated
// reference, so a retried call cannot pay twice.
func (c *Client) InitiateTransfer(ctx context.Context, r TransferRequest) (*Transfer, error) {
	body := map[string]any{
		"source":    "balance",
		"amount":    r.Amount,
		"recipient": r.RecipientCode,
		"reference": r.Reference,
		"reason":    r.Reason,
	}
	var t Transfer
	if err := c.do(ctx, "initiate_transfer", http.MethodPost, "/transfer", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Refund returns amount of the given charge to the payer.
func (c *Client) Refund(ctx context.Context, transactionReference string, amount int64) (*Refund, error) {
	body := map[string]any{
		"transaction": transactionReference,
		"amount":      amount,
	}
	var r Refund
	if err := c.do(ctx, "refund", http.MethodPost, "/refund", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// VerifySignature checks a webhook body against the signature header using
// the account secret key.
func (c *Client) VerifySignature(body []byte, header string) error {
	return VerifySignature(c.secretKey, body, header)
}

// decodeMetadata accepts the metadata object, a JSON-encoded string of it,
// or nothing.
func decodeMetadata(raw json.RawMessage) Metadata {
	var md Metadata
	if len(raw) == 0 {
		return md
	}
	if err := json.Unmarshal(raw, &md); err == nil {
		return md
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		_ = json.Unmarshal([]byte(s), &md)
	}
	return md
}
