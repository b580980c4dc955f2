package remote

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fusionrelay/internal/crypto"
	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

func TestSubmitter_LockSignsAndDecodes(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "k", Secret: "s"}
	var got lockBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "/htlc/lock", r.URL.Path)
		assert.Equal(t, "o1:source:lock", r.Header.Get(HeaderIdempotencyKey))
		assert.True(t, auth.Verify(r.Method, r.URL.Path, string(body),
			r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature)))
		assert.NoError(t, json.Unmarshal(body, &got))
		_ = json.NewEncoder(w).Encode(txResponse{LegID: "leg-9", TxRef: "tx-9"})
	}))
	defer srv.Close()

	s := NewSubmitter("eos", srv.URL, auth)
	h := domain.HashSecret(domain.Secret{1})
	legID, tx, err := s.Lock(context.Background(), domain.LockRequest{
		OrderID:  "o1",
		Hashlock: h,
		Timelock: time.Unix(1_800_000_000, 0),
		Amount:   big.NewInt(1234),

		IdempotencyKey: "o1:source:lock",
	})
	require.NoError(t, err)
	assert.Equal(t, "leg-9", legID)
	assert.Equal(t, "tx-9", tx)
	assert.Equal(t, h, got.Hashlock)
	assert.Equal(t, "1234", got.Amount)
	assert.Equal(t, int64(1_800_000_000), got.Timelock)
	assert.Equal(t, "o1:source:lock", got.IdempotencyKey)
}

func TestSubmitter_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"adapter code", http.StatusConflict, `{"code":"already_claimed"}`, domain.ErrAlreadyClaimed},
		{"timelock", http.StatusBadRequest, `{"code":"timelock_not_elapsed"}`, domain.ErrTimelockNotElapsed},
		{"server error", http.StatusBadGateway, `upstream down`, domain.ErrChainUnavailable},
		{"throttled", http.StatusTooManyRequests, ``, domain.ErrChainUnavailable},
		{"auth", http.StatusUnauthorized, ``, domain.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewSubmitter("eos", srv.URL, nil).Refund(context.Background(), "leg-1")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSubmitter_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewSubmitter("eos", addr, nil).Claim(context.Background(), "leg-1", domain.Secret{1})
	assert.True(t, domain.IsTransient(err))
}

func TestDecodeEvent(t *testing.T) {
	secret := domain.Secret{7}
	ev := domain.ChainEvent{
		EventID:  "e1",
		LegID:    "leg-1",
		Hashlock: domain.HashSecret(secret),
		Kind:     domain.EventSecretRevealed,
		Secret:   secret,
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	got, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, ev.Hashlock, got.Hashlock)
	assert.Equal(t, secret, got.Secret)

	_, err = DecodeEvent([]byte(`{"event_id":"e2","kind":"secret_revealed"}`))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`{"event_id":"e3","kind":"bogus"}`))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}
