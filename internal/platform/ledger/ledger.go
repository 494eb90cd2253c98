// Package ledger talks to the external immutable ledger that anchors
// content digests. The ledger is opaque to this service: it accepts a
// digest and returns a tamper-evident receipt reference.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/errs"
)

// Ledger is the anchoring collaborator contract.
type Ledger interface {
	Anchor(ctx context.Context, contentDigest string) (string, error)
	Verify(ctx context.Context, receiptRef string) (bool, error)
}

// ---------------------------------------------------------------------------
// HTTP client
// ---------------------------------------------------------------------------

// ClientOption configures an HTTPLedger.
type ClientOption func(*HTTPLedger)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(l *HTTPLedger) { l.client = c }
}

// HTTPLedger anchors digests against a remote ledger service over HTTP.
// Every call is bounded by the client timeout; transport failures and
// non-2xx responses surface as errs.ErrUpstreamUnavailable.
type HTTPLedger struct {
	baseURL string
	client  *http.Client
}

// NewHTTPLedger creates a ledger client for the given base URL.
func NewHTTPLedger(baseURL string, timeout time.Duration, opts ...ClientOption) *HTTPLedger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	l := &HTTPLedger{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

type anchorRequest struct {
	Digest string `json:"digest"`
}

type anchorResponse struct {
	ReceiptRef string `json:"receipt_ref"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// Anchor submits a content digest and returns the receipt reference.
func (l *HTTPLedger) Anchor(ctx context.Context, contentDigest string) (string, error) {
	body, err := json.Marshal(anchorRequest{Digest: contentDigest})
	if err != nil {
		return "", fmt.Errorf("marshal anchor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/anchors", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build anchor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: anchor: %v", errs.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: anchor: ledger returned status %d", errs.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var out anchorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: anchor: decode response: %v", errs.ErrUpstreamUnavailable, err)
	}
	if out.ReceiptRef == "" {
		return "", fmt.Errorf("%w: anchor: empty receipt", errs.ErrUpstreamUnavailable)
	}
	return out.ReceiptRef, nil
}

// Verify checks a receipt reference against the ledger.
func (l *HTTPLedger) Verify(ctx context.Context, receiptRef string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/anchors/"+receiptRef, nil)
	if err != nil {
		return false, fmt.Errorf("build verify request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: verify: %v", errs.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("%w: verify: ledger returned status %d", errs.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("%w: verify: decode response: %v", errs.ErrUpstreamUnavailable, err)
	}
	return out.Valid, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// MemoryLedger is a thread-safe in-process Ledger for development and tests.
type MemoryLedger struct {
	mu       sync.RWMutex
	receipts map[string]string // receipt ref → digest
	anchors  int
}

// NewMemoryLedger returns an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{receipts: make(map[string]string)}
}

// Anchor records the digest and returns a fresh receipt reference.
func (l *MemoryLedger) Anchor(_ context.Context, contentDigest string) (string, error) {
	ref := uuid.New().String()
	l.mu.Lock()
	l.receipts[ref] = contentDigest
	l.anchors++
	l.mu.Unlock()
	return ref, nil
}

// Verify reports whether the receipt reference exists.
func (l *MemoryLedger) Verify(_ context.Context, receiptRef string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.receipts[receiptRef]
	return ok, nil
}

// AnchorCount returns how many anchors were recorded. Used by tests to
// assert anchor() idempotency.
func (l *MemoryLedger) AnchorCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.anchors
}
