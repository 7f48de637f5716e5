package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"droneFoodDelivery/internal/apperr"
)

const (
	// SandboxSignatureHeader carries the hex HMAC-SHA256 of "<timestamp>.<body>".
	SandboxSignatureHeader = "X-Gateway-Signature"
	// SandboxTimestampHeader carries the unix seconds the message was signed at.
	SandboxTimestampHeader = "X-Gateway-Timestamp"

	defaultSandboxTolerance = 5 * time.Minute
)

// SandboxConfig configures the sandbox gateway. Without a BaseURL the gateway works offline:
// it mints request and refund ids locally and only verifies callbacks.
type SandboxConfig struct {
	BaseURL    string
	Secret     string
	HTTPClient *http.Client
	// Tolerance bounds the accepted skew between a callback's timestamp and now.
	Tolerance time.Duration
	Clock     func() time.Time
}

// SandboxGateway is an HMAC-signed HTTP gateway used for local development and tests.
type SandboxGateway struct {
	baseURL   string
	secret    []byte
	http      *http.Client
	tolerance time.Duration
	now       func() time.Time
}

// NewSandboxGateway validates the configuration.
func NewSandboxGateway(cfg SandboxConfig) (*SandboxGateway, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("sandbox gateway: secret is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = defaultSandboxTolerance
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &SandboxGateway{
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		secret:    []byte(cfg.Secret),
		http:      hc,
		tolerance: tolerance,
		now:       now,
	}, nil
}

func (g *SandboxGateway) Name() string { return "sandbox" }

// SandboxCallback is the JSON body the sandbox posts to the notify endpoint.
// ResultCode 0 means success.
type SandboxCallback struct {
	OrderID       string `json:"orderId"`
	RequestID     string `json:"requestId"`
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency,omitempty"`
	ResultCode    int    `json:"resultCode"`
	Message       string `json:"message,omitempty"`
}

type sandboxCreateBody struct {
	RequestID   string `json:"requestId"`
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	ReturnURL   string `json:"returnUrl,omitempty"`
	ExpiresAt   int64  `json:"expiresAt"`
}

type sandboxCreateReply struct {
	PaymentURL string `json:"paymentUrl"`
}

type sandboxRefundBody struct {
	RequestID     string `json:"requestId"`
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason,omitempty"`
}

type sandboxRefundReply struct {
	RefundID string `json:"refundId"`
}

// CreatePayment registers the payment with the sandbox.
func (g *SandboxGateway) CreatePayment(ctx context.Context, req CreateRequest) (CreateResult, error) {
	requestID := uuid.NewString()
	body := sandboxCreateBody{
		RequestID:   requestID,
		OrderID:     req.OrderID,
		OrderNumber: req.OrderNumber,
		Amount:      req.Amount,
		Currency:    req.Currency,
		ReturnURL:   req.ReturnURL,
		ExpiresAt:   req.ExpiresAt.Unix(),
	}
	if g.baseURL == "" {
		return CreateResult{RequestID: requestID}, nil
	}
	var reply sandboxCreateReply
	sig, err := g.post(ctx, "/payments", req.IdempotencyKey, body, &reply)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{RequestID: requestID, PaymentURL: reply.PaymentURL, Signature: sig}, nil
}

// Refund asks the sandbox to refund a transaction.
func (g *SandboxGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if g.baseURL == "" {
		return RefundResult{RefundID: uuid.NewString()}, nil
	}
	var reply sandboxRefundReply
	body := sandboxRefundBody{RequestID: req.RequestID, TransactionID: req.TransactionID, Amount: req.Amount, Reason: req.Reason}
	if _, err := g.post(ctx, "/refunds", req.IdempotencyKey, body, &reply); err != nil {
		return RefundResult{}, err
	}
	return RefundResult{RefundID: reply.RefundID}, nil
}

// VerifyCallback checks the timestamped body signature and decodes the notification.
// Callbacks signed further than the tolerance from now are rejected.
func (g *SandboxGateway) VerifyCallback(header http.Header, body []byte) (Callback, error) {
	sig := strings.TrimSpace(header.Get(SandboxSignatureHeader))
	if sig == "" {
		return Callback{}, apperr.New(apperr.CodeGatewayVerificationFailed, "missing %s header", SandboxSignatureHeader)
	}
	ts := strings.TrimSpace(header.Get(SandboxTimestampHeader))
	if ts == "" {
		return Callback{}, apperr.New(apperr.CodeGatewayVerificationFailed, "missing %s header", SandboxTimestampHeader)
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Callback{}, apperr.New(apperr.CodeGatewayVerificationFailed, "invalid callback timestamp")
	}
	if skew := g.now().Sub(time.Unix(secs, 0)); skew > g.tolerance || skew < -g.tolerance {
		return Callback{}, apperr.New(apperr.CodeGatewayVerificationFailed, "callback timestamp outside allowed window")
	}
	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(got, g.mac(ts, body)) {
		return Callback{}, apperr.New(apperr.CodeGatewayVerificationFailed, "invalid callback signature")
	}
	var cb SandboxCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return Callback{}, apperr.Validation("malformed callback body")
	}
	if cb.OrderID == "" && cb.RequestID == "" {
		return Callback{}, apperr.Validation("callback carries no order or request id")
	}
	return Callback{
		OrderID:       cb.OrderID,
		RequestID:     cb.RequestID,
		TransactionID: cb.TransactionID,
		Amount:        cb.Amount,
		Currency:      cb.Currency,
		Success:       cb.ResultCode == 0,
		Message:       cb.Message,
		Signature:     sig,
	}, nil
}

// Sign returns the signature header value for body signed at timestamp.
func (g *SandboxGateway) Sign(timestamp string, body []byte) string {
	return hex.EncodeToString(g.mac(timestamp, body))
}

// SignHeaders stamps body with the current time and returns the headers that authenticate it.
func (g *SandboxGateway) SignHeaders(body []byte) http.Header {
	ts := strconv.FormatInt(g.now().Unix(), 10)
	h := http.Header{}
	h.Set(SandboxTimestampHeader, ts)
	h.Set(SandboxSignatureHeader, g.Sign(ts, body))
	return h
}

func (g *SandboxGateway) mac(timestamp string, body []byte) []byte {
	m := hmac.New(sha256.New, g.secret)
	_, _ = m.Write([]byte(timestamp))
	_, _ = m.Write([]byte{'.'})
	_, _ = m.Write(body)
	return m.Sum(nil)
}

func (g *SandboxGateway) post(ctx context.Context, path, idempotencyKey string, body, target any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", apperr.Internal(err, "encode sandbox request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return "", apperr.Internal(err, "build sandbox request")
	}
	signed := g.SignHeaders(raw)
	sig := signed.Get(SandboxSignatureHeader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SandboxTimestampHeader, signed.Get(SandboxTimestampHeader))
	req.Header.Set(SandboxSignatureHeader, sig)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeUpstreamUnavailable, err, "sandbox %s", path)
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", apperr.Wrap(apperr.CodeUpstreamUnavailable, err, "read sandbox %s reply", path)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", apperr.New(apperr.CodeUpstreamUnavailable, "sandbox %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(reply)))
	}
	if err := json.Unmarshal(reply, target); err != nil {
		return "", apperr.Wrap(apperr.CodeUpstreamUnavailable, err, "decode sandbox %s reply", path)
	}
	return sig, nil
}

var _ Gateway = (*SandboxGateway)(nil)
