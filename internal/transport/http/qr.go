package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/marketbridge/haggle/internal/app"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type QRService interface {
	Issue(ctx context.Context, in app.IssueQRInput) (app.IssuedQR, error)
	Validate(ctx context.Context, token string) (domain.QRSession, error)
	Claim(ctx context.Context, token, targetPartyID string) (app.ClaimResult, error)
	Invalidate(ctx context.Context, token, issuerPartyID string) (domain.QRSession, error)
}

type issueQRRequest struct {
	ProductID     string           `json:"product_id"`
	NegotiationID string           `json:"negotiation_id"`
	SourceLang    string           `json:"source_lang"`
	TargetLang    string           `json:"target_lang"`
	AskingPrice   *decimal.Decimal `json:"asking_price"`
	TTLSeconds    int              `json:"ttl_seconds"`
}

const maxTTLSeconds = int(app.MaxQRTTL / time.Second)

type issueQRResponse struct {
	Session  domain.QRSession `json:"session"`
	ClaimURI string           `json:"claim_uri"`
}

// HandleIssueQR issues a claim token on behalf of the calling party.
func HandleIssueQR(svc QRService, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req issueQRRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if req.TTLSeconds < 0 || req.TTLSeconds > maxTTLSeconds {
			writeError(w, http.StatusBadRequest, codeInvalidPayload, "ttl_seconds must be between 0 and "+strconv.Itoa(maxTTLSeconds))
			return
		}
		issued, err := svc.Issue(r.Context(), app.IssueQRInput{
			IssuerPartyID: actor,
			Payload: domain.QRPayload{
				ProductID:     req.ProductID,
				NegotiationID: req.NegotiationID,
				SourceLang:    req.SourceLang,
				TargetLang:    req.TargetLang,
				AskingPrice:   req.AskingPrice,
			},
			TTL: time.Duration(req.TTLSeconds) * time.Second,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, issueQRResponse{Session: issued.Session, ClaimURI: issued.ClaimURI})
	}
}

type validateQRResponse struct {
	Valid   bool              `json:"valid"`
	Session *domain.QRSession `json:"session,omitempty"`
	Code    string            `json:"code,omitempty"`
}

// HandleValidateQR reports whether a token can still be claimed. Tokens that
// exist but cannot be claimed answer 200 with valid=false and the reason.
func HandleValidateQR(svc QRService, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := svc.Validate(r.Context(), mux.Vars(r)["token"])
		if err == nil {
			writeJSON(w, http.StatusOK, validateQRResponse{Valid: true, Session: &session})
			return
		}
		if session.Token == "" {
			writeServiceError(w, r, logger, err)
			return
		}
		_, code := statusFor(err)
		writeJSON(w, http.StatusOK, validateQRResponse{Session: &session, Code: code})
	}
}

type claimQRResponse struct {
	Session          domain.QRSession     `json:"session"`
	Negotiation      *negotiationResponse `json:"negotiation,omitempty"`
	NegotiationError *errorResponse       `json:"negotiation_error,omitempty"`
}

// HandleClaimQR claims a token for the caller. A claim that succeeded but
// could not open its negotiation still answers 200 and reports why.
func HandleClaimQR(svc QRService, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		result, err := svc.Claim(r.Context(), mux.Vars(r)["token"], actor)
		if err != nil && result.Session.Status != domain.QRStatusClaimed {
			writeServiceError(w, r, logger, err)
			return
		}
		resp := claimQRResponse{Session: result.Session}
		if result.Negotiation != nil {
			n := toNegotiationResponse(*result.Negotiation)
			resp.Negotiation = &n
		}
		if err != nil {
			status, code := statusFor(err)
			msg := err.Error()
			if status == http.StatusInternalServerError {
				logger.WithError(err).WithField("token", result.Session.Token).Error("open negotiation after claim failed")
				msg = "internal error"
			}
			resp.NegotiationError = &errorResponse{Error: msg, Code: code}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func HandleInvalidateQR(svc QRService, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		session, err := svc.Invalidate(r.Context(), mux.Vars(r)["token"], actor)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	}
}
