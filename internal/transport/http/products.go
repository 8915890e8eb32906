package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/marketbridge/haggle/internal/app"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/sirupsen/logrus"
)

// ProductService is the ledger surface exposed over HTTP.
type ProductService interface {
	CreateProduct(ctx context.Context, in app.CreateProductInput) (domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	Restock(ctx context.Context, productID string, delta int) (domain.Product, error)
}

type productResponse struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	QuantityAvailable int       `json:"quantity_available"`
	QuantityReserved  int       `json:"quantity_reserved"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toProductResponse(p domain.Product) productResponse {
	return productResponse{
		ID:                p.ID,
		Name:              p.Name,
		QuantityAvailable: p.QuantityAvailable,
		QuantityReserved:  p.QuantityReserved,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

type createProductRequest struct {
	Name              string `json:"name"`
	QuantityAvailable int    `json:"quantity_available"`
}

// HandleCreateProduct returns an HTTP handler for adding products.
func HandleCreateProduct(svc ProductService, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createProductRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		product, err := svc.CreateProduct(r.Context(), app.CreateProductInput{
			Name:              req.Name,
			QuantityAvailable: req.QuantityAvailable,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toProductResponse(product))
	}
}

func HandleListProducts(svc ProductService, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		products, err := svc.ListProducts(r.Context())
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		resp := make([]productResponse, 0, len(products))
		for _, p := range products {
			resp = append(resp, toProductResponse(p))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func HandleGetProduct(svc ProductService, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		product, err := svc.GetProduct(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toProductResponse(product))
	}
}

type restockRequest struct {
	Quantity int `json:"quantity"`
}

func HandleRestock(svc ProductService, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req restockRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		product, err := svc.Restock(r.Context(), mux.Vars(r)["id"], req.Quantity)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toProductResponse(product))
	}
}
