package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// OrderService is the part of service.RelayerService the order endpoints use.
type OrderService interface {
	SubmitOrder(ctx context.Context, o domain.Order) (string, error)
	GetOrder(ctx context.Context, orderID string) (domain.OrderState, error)
	CancelOrder(ctx context.Context, orderID, signature string) error
}

// OrderHandler serves order endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger.With(slog.String("handler", "orders"))}
}

// orderRequest carries amounts as decimal strings so they survive clients
// without arbitrary-precision numbers.
type orderRequest struct {
	Maker            string `json:"maker"`
	MakingAmount     string `json:"making_amount"`
	MinTakingAmount  string `json:"min_taking_amount"`
	Deadline         int64  `json:"deadline"`
	Receiver         string `json:"receiver"`
	Salt             string `json:"salt"`
	SrcChain         string `json:"src_chain"`
	DstChain         string `json:"dst_chain"`
	AllowPartialFill bool   `json:"allow_partial_fill"`
	MinPartialFill   string `json:"min_partial_fill"`
	Signature        string `json:"signature"`
}

func (req orderRequest) toOrder() (domain.Order, error) {
	o := domain.Order{
		Maker:            req.Maker,
		Deadline:         req.Deadline,
		Receiver:         req.Receiver,
		SrcChain:         req.SrcChain,
		DstChain:         req.DstChain,
		AllowPartialFill: req.AllowPartialFill,
		Signature:        req.Signature,
	}
	var err error
	if o.MakingAmount, err = parseAmount("making_amount", req.MakingAmount, false); err != nil {
		return o, err
	}
	if o.MinTakingAmount, err = parseAmount("min_taking_amount", req.MinTakingAmount, false); err != nil {
		return o, err
	}
	if o.Salt, err = parseAmount("salt", req.Salt, false); err != nil {
		return o, err
	}
	if o.MinPartialFill, err = parseAmount("min_partial_fill", req.MinPartialFill, true); err != nil {
		return o, err
	}
	return o, nil
}

type submitOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// SubmitOrder admits a signed maker order.
// POST /api/orders
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := req.toOrder()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Reason: domain.ReasonCode(domain.ErrMalformedOrder)})
		return
	}

	id, err := h.orders.SubmitOrder(r.Context(), o)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "submit order failed", slog.String("error", err.Error()))
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitOrderResponse{OrderID: id, Status: string(domain.StatusPending)})
}

// GetOrder returns the order's state and both HTLC legs.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	st, err := h.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type cancelRequest struct {
	Signature string `json:"signature"`
}

// CancelOrder applies the maker's signed cancel. The signature may be sent in
// the body or as the signature query parameter.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sig := r.URL.Query().Get("signature")
	if sig == "" && r.ContentLength != 0 {
		var req cancelRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sig = req.Signature
	}
	if sig == "" {
		writeDomainError(w, fmt.Errorf("%w: signature is required", domain.ErrInvalidSignature))
		return
	}

	if err := h.orders.CancelOrder(r.Context(), id, sig); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   string(domain.StatusCancelled),
		"order_id": id,
	})
}
