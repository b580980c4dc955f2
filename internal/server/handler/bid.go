package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// BidService accepts resolver bids.
type BidService interface {
	SubmitBid(ctx context.Context, bid domain.Bid) (domain.Bid, error)
}

type BidHandler struct {
	bids   BidService
	logger *slog.Logger
}

func NewBidHandler(bids BidService, logger *slog.Logger) *BidHandler {
	return &BidHandler{bids: bids, logger: logger.With(slog.String("handler", "bids"))}
}

type bidRequest struct {
	Resolver     string `json:"resolver"`
	InputAmount  string `json:"input_amount"`
	OutputAmount string `json:"output_amount"`
	FeeEstimate  string `json:"fee_estimate"`
}

type bidResponse struct {
	BidID string  `json:"bid_id"`
	Rate  float64 `json:"rate"`
}

// SubmitBid records a bid against the order's open auction.
// POST /api/orders/{id}/bids
func (h *BidHandler) SubmitBid(w http.ResponseWriter, r *http.Request) {
	var req bidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bid := domain.Bid{OrderID: r.PathValue("id"), Resolver: req.Resolver}
	var err error
	if bid.InputAmount, err = parseAmount("input_amount", req.InputAmount, false); err == nil {
		if bid.OutputAmount, err = parseAmount("output_amount", req.OutputAmount, false); err == nil {
			bid.FeeEstimate, err = parseAmount("fee_estimate", req.FeeEstimate, true)
		}
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Reason: domain.ReasonCode(domain.ErrMalformedBid)})
		return
	}

	accepted, err := h.bids.SubmitBid(r.Context(), bid)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "submit bid failed",
				slog.String("order_id", bid.OrderID),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bidResponse{BidID: accepted.ID, Rate: accepted.Rate()})
}
