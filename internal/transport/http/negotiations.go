package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/marketbridge/haggle/internal/app"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type NegotiationService interface {
	CreateNegotiation(ctx context.Context, in app.CreateNegotiationInput) (domain.Negotiation, error)
	GetNegotiation(ctx context.Context, negotiationID string) (domain.Negotiation, error)
	SubmitBid(ctx context.Context, in app.SubmitBidInput) (domain.Negotiation, error)
	Resolve(ctx context.Context, in app.ResolveInput) (domain.Negotiation, error)
}

type bidResponse struct {
	SequenceNumber int             `json:"sequence_number"`
	BidderRole     string          `json:"bidder_role"`
	BidderID       string          `json:"bidder_id"`
	Amount         decimal.Decimal `json:"amount"`
	CreatedAt      time.Time       `json:"created_at"`
}

type negotiationResponse struct {
	ID            string           `json:"id"`
	CustomerID    string           `json:"customer_id"`
	VendorID      string           `json:"vendor_id"`
	ProductID     string           `json:"product_id"`
	Status        string           `json:"status"`
	CurrentPrice  *decimal.Decimal `json:"current_price,omitempty"`
	FinalPrice    *decimal.Decimal `json:"final_price,omitempty"`
	ReservationID string           `json:"reservation_id,omitempty"`
	Bids          []bidResponse    `json:"bids"`
	ExpiresAt     time.Time        `json:"expires_at"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
}

func toNegotiationResponse(n domain.Negotiation) negotiationResponse {
	resp := negotiationResponse{
		ID:            n.ID,
		CustomerID:    n.CustomerID,
		VendorID:      n.VendorID,
		ProductID:     n.ProductID,
		Status:        string(n.Status),
		FinalPrice:    n.FinalPrice,
		ReservationID: n.ReservationID,
		Bids:          make([]bidResponse, 0, len(n.Bids)),
		ExpiresAt:     n.ExpiresAt,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
		ResolvedAt:    n.ResolvedAt,
	}
	if latest, ok := n.LatestBid(); ok {
		amount := latest.Amount
		resp.CurrentPrice = &amount
	}
	for _, b := range n.Bids {
		resp.Bids = append(resp.Bids, bidResponse{
			SequenceNumber: b.SequenceNumber,
			BidderRole:     string(b.BidderRole),
			BidderID:       b.BidderID,
			Amount:         b.Amount,
			CreatedAt:      b.CreatedAt,
		})
	}
	return resp
}

type createNegotiationRequest struct {
	CustomerID string          `json:"customer_id"`
	VendorID   string          `json:"vendor_id"`
	ProductID  string          `json:"product_id"`
	Role       string          `json:"role"`
	Amount     decimal.Decimal `json:"amount"`
}

// HandleCreateNegotiation opens a negotiation with the caller's opening bid.
func HandleCreateNegotiation(svc NegotiationService, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req createNegotiationRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if req.CustomerID == "" || req.VendorID == "" || req.ProductID == "" {
			writeError(w, http.StatusBadRequest, codeMissingRequiredField, "customer_id, vendor_id and product_id are required")
			return
		}
		n, err := svc.CreateNegotiation(r.Context(), app.CreateNegotiationInput{
			CustomerID: req.CustomerID,
			VendorID:   req.VendorID,
			ProductID:  req.ProductID,
			ActorID:    actor,
			BidderRole: domain.BidderRole(req.Role),
			Amount:     req.Amount,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toNegotiationResponse(n))
	}
}

func HandleGetNegotiation(svc NegotiationService, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.GetNegotiation(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toNegotiationResponse(n))
	}
}

type submitBidRequest struct {
	Role   string          `json:"role"`
	Amount decimal.Decimal `json:"amount"`
}

func HandleSubmitBid(svc NegotiationService, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req submitBidRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		n, err := svc.SubmitBid(r.Context(), app.SubmitBidInput{
			NegotiationID: mux.Vars(r)["id"],
			ActorID:       actor,
			Role:          domain.BidderRole(req.Role),
			Amount:        req.Amount,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toNegotiationResponse(n))
	}
}

type resolveRequest struct {
	Outcome    string           `json:"outcome"`
	FinalPrice *decimal.Decimal `json:"final_price"`
}

// HandleResolve accepts, rejects or cancels a negotiation. Accept without a
// final_price settles at the current offer.
func HandleResolve(svc NegotiationService, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req resolveRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		n, err := svc.Resolve(r.Context(), app.ResolveInput{
			NegotiationID: mux.Vars(r)["id"],
			ActorID:       actor,
			Outcome:       domain.Outcome(req.Outcome),
			FinalPrice:    req.FinalPrice,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toNegotiationResponse(n))
	}
}
