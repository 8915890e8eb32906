package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/sirupsen/logrus"
)

// RateGovernor admits requests and resets counters.
type RateGovernor interface {
	Admitter
	RateResetter
}

// Services are the application services behind the router. A nil Rates
// disables the api quota and the admin reset route.
type Services struct {
	Products     ProductService
	Negotiations NegotiationService
	QR           QRService
	Rates        RateGovernor
}

// NewRouter wires every route. Negotiation mutations are metered inside the
// negotiation service; the rest of the public surface is metered here under
// the api category.
func NewRouter(svc Services, logger logrus.FieldLogger) *mux.Router {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := mux.NewRouter()
	r.NotFoundHandler = NotFoundHandler()
	r.MethodNotAllowedHandler = MethodNotAllowedHandler()

	r.HandleFunc("/health", HealthHandler).Methods(http.MethodGet)

	api := RateLimit(svc.Rates, domain.RateCategoryAPI, logger)
	metered := func(h http.HandlerFunc) http.Handler { return api(h) }

	r.Handle("/products", metered(HandleCreateProduct(svc.Products, logger))).Methods(http.MethodPost)
	r.Handle("/products", metered(HandleListProducts(svc.Products, logger))).Methods(http.MethodGet)
	r.Handle("/products/{id}", metered(HandleGetProduct(svc.Products, logger))).Methods(http.MethodGet)
	r.Handle("/products/{id}/restock", metered(HandleRestock(svc.Products, logger))).Methods(http.MethodPost)

	r.Handle("/negotiations", HandleCreateNegotiation(svc.Negotiations, logger)).Methods(http.MethodPost)
	r.Handle("/negotiations/{id}", metered(HandleGetNegotiation(svc.Negotiations, logger))).Methods(http.MethodGet)
	r.Handle("/negotiations/{id}/bids", HandleSubmitBid(svc.Negotiations, logger)).Methods(http.MethodPost)
	r.Handle("/negotiations/{id}/resolve", HandleResolve(svc.Negotiations, logger)).Methods(http.MethodPost)

	r.Handle("/qr", metered(HandleIssueQR(svc.QR, logger))).Methods(http.MethodPost)
	r.Handle("/qr/{token}", metered(HandleValidateQR(svc.QR, logger))).Methods(http.MethodGet)
	r.Handle("/qr/{token}/claim", metered(HandleClaimQR(svc.QR, logger))).Methods(http.MethodPost)
	r.Handle("/qr/{token}/invalidate", metered(HandleInvalidateQR(svc.QR, logger))).Methods(http.MethodPost)

	if svc.Rates != nil {
		r.Handle("/admin/rate-limits/{category}/{actor}", HandleResetRateLimit(svc.Rates, logger)).Methods(http.MethodDelete)
	}
	return r
}

// NewHandler is the router wrapped in CORS and request logging.
func NewHandler(svc Services, corsOrigins []string, logger logrus.FieldLogger) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return RequestLogger(CORS(corsOrigins, NewRouter(svc, logger)), logger)
}
