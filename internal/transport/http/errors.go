package http

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/marketbridge/haggle/internal/app"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	codeMethodNotAllowed     = "method_not_allowed"
	codeNotFound             = "not_found"
	codeInvalidRequestBody   = "invalid_request_body"
	codeMissingRequiredField = "missing_required_field"
	codeActorRequired        = "actor_required"
	codeInvalidID            = "invalid_id"
	codeInvalidQuantity      = "invalid_quantity"
	codeInvalidBid           = "invalid_bid"
	codeInvalidOutcome       = "invalid_outcome"
	codeInvalidPayload       = "invalid_payload"
	codeInvalidCategory      = "invalid_category"
	codeProductNameRequired  = "product_name_required"
	codeProductNotFound      = "product_not_found"
	codeNegotiationNotFound  = "negotiation_not_found"
	codeReservationNotFound  = "reservation_not_found"
	codeNegotiationNotActive = "negotiation_not_active"
	codeInsufficientStock    = "insufficient_stock"
	codeNotParticipant       = "not_participant"
	codeTokenExpired         = "token_expired"
	codeTokenInvalid         = "token_invalid"
	codeAlreadyClaimed       = "already_claimed"
	codeRateLimited          = "rate_limited"
	codeForbidden            = "forbidden"
	codeInternalError        = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Specific not-found sentinels come before the generic one they wrap.
var errorMappings = []errorMapping{
	{domain.ErrInvalidID, http.StatusBadRequest, codeInvalidID},
	{domain.ErrInvalidQuantity, http.StatusBadRequest, codeInvalidQuantity},
	{domain.ErrInvalidBid, http.StatusBadRequest, codeInvalidBid},
	{domain.ErrInvalidOutcome, http.StatusBadRequest, codeInvalidOutcome},
	{domain.ErrInvalidPayload, http.StatusBadRequest, codeInvalidPayload},
	{domain.ErrInvalidRatePolicy, http.StatusBadRequest, codeInvalidCategory},
	{domain.ErrProductNameRequired, http.StatusBadRequest, codeProductNameRequired},
	{domain.ErrNotParticipant, http.StatusForbidden, codeNotParticipant},
	{domain.ErrProductNotFound, http.StatusNotFound, codeProductNotFound},
	{domain.ErrNegotiationNotFound, http.StatusNotFound, codeNegotiationNotFound},
	{domain.ErrReservationNotFound, http.StatusNotFound, codeReservationNotFound},
	{domain.ErrQRSessionNotFound, http.StatusNotFound, codeTokenInvalid},
	{domain.ErrNotFound, http.StatusNotFound, codeNotFound},
	{domain.ErrNegotiationNotActive, http.StatusConflict, codeNegotiationNotActive},
	{domain.ErrInsufficientStock, http.StatusConflict, codeInsufficientStock},
	{domain.ErrAlreadyClaimed, http.StatusConflict, codeAlreadyClaimed},
	{domain.ErrTokenExpired, http.StatusGone, codeTokenExpired},
	{domain.ErrTokenInvalid, http.StatusGone, codeTokenInvalid},
}

// statusFor maps a service error onto an HTTP status and stable error code.
func statusFor(err error) (int, string) {
	if errors.Is(err, domain.ErrRateLimited) {
		return http.StatusTooManyRequests, codeRateLimited
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, codeInternalError
}

// writeServiceError writes the mapped error. Unknown errors are logged and
// reported without their message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger logrus.FieldLogger, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		writeError(w, status, code, "internal error")
		return
	}
	var limited *app.RateLimitError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", retryAfter(limited.RetryAt))
	}
	writeError(w, status, code, err.Error())
}

// retryAfter renders whole seconds until t, never less than one.
func retryAfter(t time.Time) string {
	secs := int(math.Ceil(time.Until(t).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
