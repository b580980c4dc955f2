// Package remote talks to out-of-process chain adapter services: HTLC
// transactions over signed HTTP, ledger events over NATS.
package remote

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
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/crypto"
	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// HeaderIdempotencyKey carries a lock's idempotency key to the adapter.
const HeaderIdempotencyKey = "Idempotency-Key"

// Submitter is the REST client for one chain adapter service.
type Submitter struct {
	chain      string
	baseURL    string
	httpClient *http.Client
	hmacAuth   *crypto.HMACAuth
}

var _ domain.Submitter = (*Submitter)(nil)

// NewSubmitter creates a Submitter. hmac may be nil for unauthenticated
// adapters.
func NewSubmitter(chain, baseURL string, hmac *crypto.HMACAuth) *Submitter {
	return &Submitter{
		chain:   chain,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		hmacAuth: hmac,
	}
}

type lockBody struct {
	OrderID        string          `json:"order_id"`
	Hashlock       domain.Hashlock `json:"hashlock"`
	Timelock       int64           `json:"timelock"`
	Amount         string          `json:"amount"`
	Beneficiary    string          `json:"beneficiary"`
	Depositor      string          `json:"depositor"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type txResponse struct {
	LegID string `json:"leg_id"`
	TxRef string `json:"tx_ref"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Lock implements domain.Submitter.
func (s *Submitter) Lock(ctx context.Context, req domain.LockRequest) (string, string, error) {
	if req.Amount == nil {
		return "", "", fmt.Errorf("remote/%s: %w: missing amount", s.chain, domain.ErrInvalidParameters)
	}
	var out txResponse
	err := s.do(ctx, http.MethodPost, "/htlc/lock", req.IdempotencyKey, lockBody{
		OrderID:        req.OrderID,
		Hashlock:       req.Hashlock,
		Timelock:       req.Timelock.Unix(),
		Amount:         req.Amount.String(),
		Beneficiary:    req.Beneficiary,
		Depositor:      req.Depositor,
		IdempotencyKey: req.IdempotencyKey,
	}, &out)
	if err != nil {
		return "", "", err
	}
	return out.LegID, out.TxRef, nil
}

// Claim implements domain.Submitter.
func (s *Submitter) Claim(ctx context.Context, legID string, secret domain.Secret) (string, error) {
	var out txResponse
	body := map[string]domain.Secret{"secret": secret}
	if err := s.do(ctx, http.MethodPost, "/htlc/"+url.PathEscape(legID)+"/claim", "", body, &out); err != nil {
		return "", err
	}
	return out.TxRef, nil
}

// Refund implements domain.Submitter.
func (s *Submitter) Refund(ctx context.Context, legID string) (string, error) {
	var out txResponse
	if err := s.do(ctx, http.MethodPost, "/htlc/"+url.PathEscape(legID)+"/refund", "", nil, &out); err != nil {
		return "", err
	}
	return out.TxRef, nil
}

// do builds, signs, sends and decodes one request. Transport failures and 5xx
// answers are reported as ErrChainUnavailable.
func (s *Submitter) do(ctx context.Context, method, path, idemKey string, body, out any) error {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote/%s: marshal request: %w", s.chain, err)
		}
		bodyStr = string(raw)
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("remote/%s: create request: %w", s.chain, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idemKey)
	}
	if s.hmacAuth != nil {
		for k, v := range s.hmacAuth.Headers(method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("remote/%s: %w", s.chain, err)
		}
		return fmt.Errorf("remote/%s: %w: %v", s.chain, domain.ErrChainUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("remote/%s: %w: read response: %v", s.chain, domain.ErrChainUnavailable, err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return fmt.Errorf("remote/%s: %s %s: %w", s.chain, method, path, err)
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("remote/%s: decode response: %w", s.chain, err)
		}
	}
	return nil
}

// adapterCodes maps the adapter's error codes onto domain errors.
var adapterCodes = map[string]error{
	"insufficient_funds":   domain.ErrInsufficientFunds,
	"invalid_parameters":   domain.ErrInvalidParameters,
	"secret_mismatch":      domain.ErrSecretMismatch,
	"already_claimed":      domain.ErrAlreadyClaimed,
	"already_refunded":     domain.ErrAlreadyRefunded,
	"timelock_not_elapsed": domain.ErrTimelockNotElapsed,
	"leg_not_found":        domain.ErrLegNotFound,
	"chain_unavailable":    domain.ErrChainUnavailable,
}

// checkStatus maps non-2xx answers to domain errors.
func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var er errorResponse
	if json.Unmarshal(body, &er) == nil {
		if target, ok := adapterCodes[er.Code]; ok {
			return fmt.Errorf("%w: %s", target, er.Message)
		}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, string(body))
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrLegNotFound, string(body))
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: HTTP %s: %s", domain.ErrChainUnavailable, strconv.Itoa(status), string(body))
	default:
		return fmt.Errorf("HTTP %d: %s", status, string(body))
	}
}
