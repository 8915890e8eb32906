package http

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/sirupsen/logrus"
)

// ActorHeader carries the authenticated party id set by the gateway.
const ActorHeader = "X-Actor-ID"

// RequestLogger logs basic request details and latency.
func RequestLogger(next http.Handler, logger logrus.FieldLogger) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Admitter is the rate governor as seen by the transport.
type Admitter interface {
	Admit(ctx context.Context, category domain.RateCategory, actorKey string) error
}

// RateLimit charges every request to category for the calling actor, or the
// client address when the request carries no actor.
func RateLimit(admitter Admitter, category domain.RateCategory, logger logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if admitter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := admitter.Admit(r.Context(), category, rateKey(r)); err != nil {
				writeServiceError(w, r, logger, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func actorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

func rateKey(r *http.Request) string {
	if actor := actorID(r); actor != "" {
		return actor
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// requireActor writes a 401 and returns false when the actor header is
// missing.
func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, codeActorRequired, ActorHeader+" header is required")
		return "", false
	}
	return actor, true
}
