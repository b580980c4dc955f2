package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/server/handler"
	"github.com/alanyoungcy/fusionrelay/internal/service"
)

type stubService struct{}

func (stubService) SubmitOrder(context.Context, domain.Order) (string, error) { return "0x1", nil }
func (stubService) GetOrder(context.Context, string) (domain.OrderState, error) {
	return domain.OrderState{}, domain.ErrNotFound
}
func (stubService) CancelOrder(context.Context, string, string) error { return nil }
func (stubService) SubmitBid(_ context.Context, b domain.Bid) (domain.Bid, error) {
	return b, nil
}
func (stubService) Health(context.Context) ([]service.DependencyStatus, bool) { return nil, true }
func (stubService) Audit(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestServerRoutesAndAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := stubService{}
	srv := NewServer(Config{Port: 0, APIKeys: []string{"secret"}}, Handlers{
		Health: handler.NewHealthHandler(svc),
		Orders: handler.NewOrderHandler(svc, logger),
		Bids:   handler.NewBidHandler(svc, logger),
	}, nil, logger)
	h := srv.Handler()

	get := func(path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/api/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get("/api/orders/0x1", "").Code)
	assert.Equal(t, http.StatusNotFound, get("/api/orders/0x1", "secret").Code)

	metrics := get("/metrics", "")
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.True(t, strings.Contains(metrics.Body.String(), "fusionrelay_http_requests_total"))
}
