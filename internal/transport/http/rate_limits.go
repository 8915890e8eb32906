package http

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/sirupsen/logrus"
)

type RateResetter interface {
	Reset(ctx context.Context, category domain.RateCategory, actorKey string) error
}

// HandleResetRateLimit clears one actor's counter for a category.
func HandleResetRateLimit(svc RateResetter, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		category := domain.RateCategory(vars["category"])
		if !category.Valid() {
			writeError(w, http.StatusBadRequest, codeInvalidCategory, "unknown rate category")
			return
		}
		if err := svc.Reset(r.Context(), category, vars["actor"]); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
