package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/marketbridge/haggle/internal/app"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/sirupsen/logrus"
)

var testNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// serve routes one request through a router so path variables resolve.
func serve(t *testing.T, pattern, method string, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	r := mux.NewRouter()
	r.Handle(pattern, h).Methods(method)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func newRequest(method, target, actor, body string) *http.Request {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	return req
}

type stubProducts struct {
	product  domain.Product
	products []domain.Product
	err      error

	gotCreate  app.CreateProductInput
	gotID      string
	gotRestock int
}

func (s *stubProducts) CreateProduct(_ context.Context, in app.CreateProductInput) (domain.Product, error) {
	s.gotCreate = in
	return s.product, s.err
}

func (s *stubProducts) ListProducts(context.Context) ([]domain.Product, error) {
	return s.products, s.err
}

func (s *stubProducts) GetProduct(_ context.Context, id string) (domain.Product, error) {
	s.gotID = id
	return s.product, s.err
}

func (s *stubProducts) Restock(_ context.Context, id string, delta int) (domain.Product, error) {
	s.gotID = id
	s.gotRestock = delta
	return s.product, s.err
}

type stubNegotiations struct {
	negotiation domain.Negotiation
	err         error

	gotCreate  app.CreateNegotiationInput
	gotBid     app.SubmitBidInput
	gotResolve app.ResolveInput
	gotID      string
}

func (s *stubNegotiations) CreateNegotiation(_ context.Context, in app.CreateNegotiationInput) (domain.Negotiation, error) {
	s.gotCreate = in
	return s.negotiation, s.err
}

func (s *stubNegotiations) GetNegotiation(_ context.Context, id string) (domain.Negotiation, error) {
	s.gotID = id
	return s.negotiation, s.err
}

func (s *stubNegotiations) SubmitBid(_ context.Context, in app.SubmitBidInput) (domain.Negotiation, error) {
	s.gotBid = in
	return s.negotiation, s.err
}

func (s *stubNegotiations) Resolve(_ context.Context, in app.ResolveInput) (domain.Negotiation, error) {
	s.gotResolve = in
	return s.negotiation, s.err
}

type stubQR struct {
	issued  app.IssuedQR
	session domain.QRSession
	claim   app.ClaimResult
	err     error

	gotIssue  app.IssueQRInput
	gotToken  string
	gotTarget string
}

func (s *stubQR) Issue(_ context.Context, in app.IssueQRInput) (app.IssuedQR, error) {
	s.gotIssue = in
	return s.issued, s.err
}

func (s *stubQR) Validate(_ context.Context, token string) (domain.QRSession, error) {
	s.gotToken = token
	return s.session, s.err
}

func (s *stubQR) Claim(_ context.Context, token, target string) (app.ClaimResult, error) {
	s.gotToken = token
	s.gotTarget = target
	return s.claim, s.err
}

func (s *stubQR) Invalidate(_ context.Context, token, issuer string) (domain.QRSession, error) {
	s.gotToken = token
	s.gotTarget = issuer
	return s.session, s.err
}

type rateCall struct {
	category domain.RateCategory
	actor    string
}

type stubRates struct {
	mu       sync.Mutex
	admitErr error
	resetErr error
	admitted []rateCall
	reset    []rateCall
}

func (s *stubRates) Admit(_ context.Context, category domain.RateCategory, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admitted = append(s.admitted, rateCall{category, actor})
	return s.admitErr
}

func (s *stubRates) Reset(_ context.Context, category domain.RateCategory, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset = append(s.reset, rateCall{category, actor})
	return s.resetErr
}
