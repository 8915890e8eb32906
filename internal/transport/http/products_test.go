package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/marketbridge/haggle/internal/domain"
)

func TestHandleCreateProduct(t *testing.T) {
	t.Parallel()

	product := domain.Product{ID: "p-1", Name: "silk scarf", QuantityAvailable: 3, CreatedAt: testNow, UpdatedAt: testNow}

	tests := []struct {
		name           string
		body           string
		serviceErr     error
		expectedStatus int
		expectedSubstr string
	}{
		{
			name:           "success",
			body:           `{"name":"silk scarf","quantity_available":3}`,
			expectedStatus: http.StatusCreated,
			expectedSubstr: `"id":"p-1"`,
		},
		{
			name:           "invalid json",
			body:           `{"name":`,
			expectedStatus: http.StatusBadRequest,
			expectedSubstr: codeInvalidRequestBody,
		},
		{
			name:           "unknown field",
			body:           `{"name":"x","quantity_available":1,"price":3}`,
			expectedStatus: http.StatusBadRequest,
			expectedSubstr: codeInvalidRequestBody,
		},
		{
			name:           "name required",
			body:           `{"quantity_available":1}`,
			serviceErr:     domain.ErrProductNameRequired,
			expectedStatus: http.StatusBadRequest,
			expectedSubstr: codeProductNameRequired,
		},
		{
			name:           "negative quantity",
			body:           `{"name":"x","quantity_available":-1}`,
			serviceErr:     domain.ErrInvalidQuantity,
			expectedStatus: http.StatusBadRequest,
			expectedSubstr: codeInvalidQuantity,
		},
		{
			name:           "internal error hides message",
			body:           `{"name":"x","quantity_available":1}`,
			serviceErr:     errors.New("connection reset"),
			expectedStatus: http.StatusInternalServerError,
			expectedSubstr: `"error":"internal error"`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := &stubProducts{product: product, err: tt.serviceErr}
			req := newRequest(http.MethodPost, "/products", "", tt.body)
			rec := serve(t, "/products", http.MethodPost, HandleCreateProduct(svc, quietLogger()), req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d (%s)", tt.expectedStatus, rec.Code, rec.Body.String())
			}
			if body := rec.Body.String(); !strings.Contains(body, tt.expectedSubstr) {
				t.Fatalf("expected response to contain %q, got %q", tt.expectedSubstr, body)
			}
		})
	}
}

func TestHandleListProducts_EmptyIsArray(t *testing.T) {
	t.Parallel()

	req := newRequest(http.MethodGet, "/products", "", "")
	rec := serve(t, "/products", http.MethodGet, HandleListProducts(&stubProducts{}, quietLogger()), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("expected empty array, got %q", got)
	}
}

func TestHandleGetProduct(t *testing.T) {
	t.Parallel()

	svc := &stubProducts{product: domain.Product{ID: "p-9", Name: "brass lamp", QuantityAvailable: 4, QuantityReserved: 1}}
	req := newRequest(http.MethodGet, "/products/p-9", "", "")
	rec := serve(t, "/products/{id}", http.MethodGet, HandleGetProduct(svc, quietLogger()), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if svc.gotID != "p-9" {
		t.Fatalf("expected id p-9, got %q", svc.gotID)
	}
	var resp productResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.QuantityAvailable != 4 || resp.QuantityReserved != 1 {
		t.Fatalf("unexpected quantities: %+v", resp)
	}
}

func TestHandleGetProduct_NotFound(t *testing.T) {
	t.Parallel()

	svc := &stubProducts{err: domain.ErrProductNotFound}
	req := newRequest(http.MethodGet, "/products/nope", "", "")
	rec := serve(t, "/products/{id}", http.MethodGet, HandleGetProduct(svc, quietLogger()), req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != codeProductNotFound {
		t.Fatalf("expected code %s, got %s", codeProductNotFound, resp.Code)
	}
}

func TestHandleRestock(t *testing.T) {
	t.Parallel()

	svc := &stubProducts{product: domain.Product{ID: "p-1", QuantityAvailable: 8}}
	req := newRequest(http.MethodPost, "/products/p-1/restock", "", `{"quantity":5}`)
	rec := serve(t, "/products/{id}/restock", http.MethodPost, HandleRestock(svc, quietLogger()), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if svc.gotID != "p-1" || svc.gotRestock != 5 {
		t.Fatalf("unexpected restock call id=%q delta=%d", svc.gotID, svc.gotRestock)
	}
}
