// Package commerce integrates with the merchant's e-commerce platform.
//
// This file implements the Salla-backed connector.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/souqlabs/souqbot/internal/models"
)

// Constants for the Salla connector.
const (
	// DefaultSallaBaseURL is the Salla admin API endpoint.
	DefaultSallaBaseURL = "https://api.salla.dev/admin/v2"
	// DefaultSallaTimeout bounds every Salla API call.
	DefaultSallaTimeout = 30 * time.Second
	// catalogPageSize is the per_page value used when listing products.
	catalogPageSize = 50

	// DefaultAddress is used when the customer has not provided a
	// delivery address yet; the merchant confirms it by phone.
	DefaultAddress = "سيتم التواصل لتحديد العنوان"
	// DefaultCity is the fallback shipping city.
	DefaultCity = "الرياض"
	// paymentMethodCOD is cash on delivery, the default for chat orders.
	paymentMethodCOD = "cod"
)

// TokenSource resolves the Salla access token for a merchant. Tokens are
// owned by the dashboard's OAuth flow; the pipeline only reads them.
type TokenSource func(ctx context.Context, merchantID int64) (string, error)

// SallaOpts holds configuration options for the Salla connector.
type SallaOpts struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
}

// SallaOption defines a configuration option for the Salla connector.
type SallaOption func(*SallaOpts)

// WithSallaBaseURL overrides the Salla endpoint (used by tests).
func WithSallaBaseURL(url string) SallaOption {
	return func(o *SallaOpts) { o.BaseURL = url }
}

// WithSallaHTTPClient injects a custom HTTP client.
func WithSallaHTTPClient(c *http.Client) SallaOption {
	return func(o *SallaOpts) { o.HTTPClient = c }
}

// WithTokenSource sets the per-merchant access token resolver.
func WithTokenSource(ts TokenSource) SallaOption {
	return func(o *SallaOpts) { o.Tokens = ts }
}

// SallaConnector is a Connector backed by the Salla admin API.
type SallaConnector struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

// NewSallaConnector creates a Salla connector. A token source is required.
func NewSallaConnector(opts ...SallaOption) (*SallaConnector, error) {
	var cfg SallaOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("salla token source not set")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultSallaBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultSallaTimeout}
	}
	return &SallaConnector{baseURL: baseURL, httpClient: httpClient, tokens: cfg.Tokens}, nil
}

type sallaProduct struct {
	ID       json.Number `json:"id"`
	Name     string      `json:"name"`
	SKU      string      `json:"sku,omitempty"`
	Price    string      `json:"price"`
	Quantity int         `json:"quantity"`
}

type sallaProductsResponse struct {
	Data       []sallaProduct `json:"data"`
	Pagination *struct {
		HasMorePages bool `json:"hasMorePages"`
	} `json:"pagination,omitempty"`
}

// ListProducts pulls the merchant's full catalog, following pagination.
func (s *SallaConnector) ListProducts(ctx context.Context, merchantID int64) ([]Product, error) {
	token, err := s.tokens(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("resolve salla token for merchant %d: %w", merchantID, err)
	}

	var products []Product
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/products?page=%d&per_page=%d", s.baseURL, page, catalogPageSize)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build products request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("list products: %w", err)
		}
		var out sallaProductsResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("list products: unexpected status %d", resp.StatusCode)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("list products: decode response: %w", decodeErr)
		}

		for _, p := range out.Data {
			price, err := ParsePrice(p.Price)
			if err != nil {
				slog.Warn("SallaConnector skipping product with bad price", "merchant_id", merchantID, "product_id", p.ID.String(), "price", p.Price)
				continue
			}
			products = append(products, Product{
				ID:    p.ID.String(),
				Name:  p.Name,
				SKU:   p.SKU,
				Price: price,
				Stock: p.Quantity,
			})
		}
		if len(out.Data) == 0 || out.Pagination == nil || !out.Pagination.HasMorePages {
			break
		}
	}
	slog.Debug("SallaConnector ListProducts succeeded", "merchant_id", merchantID, "count", len(products))
	return products, nil
}

type sallaOrderItem struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"` // riyals
}

type sallaOrderRequest struct {
	Customer struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Mobile    string `json:"mobile"`
		Email     string `json:"email"`
	} `json:"customer"`
	Items    []sallaOrderItem `json:"items"`
	Shipping struct {
		Name    string `json:"name"`
		Address string `json:"address"`
		City    string `json:"city"`
		Country string `json:"country"`
		Phone   string `json:"phone"`
	} `json:"shipping"`
	PaymentMethod string `json:"payment_method"`
	Coupon        string `json:"coupon,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

type sallaOrderResponse struct {
	Data struct {
		ID          json.Number `json:"id"`
		ReferenceID json.Number `json:"reference_id"`
		PaymentURL  string      `json:"payment_url,omitempty"`
		Amounts     struct {
			Total float64 `json:"total"`
		} `json:"amounts"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CreateOrder commits a cash-on-delivery order to Salla.
func (s *SallaConnector) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	token, err := s.tokens(ctx, req.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("resolve salla token for merchant %d: %w", req.MerchantID, err)
	}

	var payload sallaOrderRequest
	first, last := splitName(req.CustomerName)
	payload.Customer.FirstName = first
	payload.Customer.LastName = last
	payload.Customer.Mobile = req.CustomerPhone
	payload.Customer.Email = req.CustomerPhone + "@customers.souqbot.sa"
	for _, item := range req.Items {
		payload.Items = append(payload.Items, sallaOrderItem{
			ProductID: item.Product.ID,
			Quantity:  item.Quantity,
			Price:     float64(item.Product.Price) / 100,
		})
	}
	payload.Shipping.Name = req.CustomerName
	payload.Shipping.Address = valueOr(req.Address, DefaultAddress)
	payload.Shipping.City = valueOr(req.City, DefaultCity)
	payload.Shipping.Country = "SA"
	payload.Shipping.Phone = req.CustomerPhone
	payload.PaymentMethod = paymentMethodCOD
	payload.Coupon = req.DiscountCode
	payload.Notes = valueOr(req.Notes, "طلب عبر المحادثة - "+time.Now().UTC().Format(time.RFC3339))

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode order request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrOrderCreationFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("create order: read response: %w", err)
	}
	var out sallaOrderResponse
	if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("create order: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		slog.Error("SallaConnector CreateOrder rejected", "merchant_id", req.MerchantID, "status", resp.StatusCode, "message", msg)
		return nil, fmt.Errorf("%w: %s", models.ErrOrderCreationFailed, msg)
	}

	result := &OrderResult{
		OrderID:    out.Data.ID.String(),
		OrderCode:  out.Data.ReferenceID.String(),
		PaymentURL: out.Data.PaymentURL,
		Total:      int64(math.Round(out.Data.Amounts.Total * 100.0)),
	}
	if result.Total == 0 {
		result.Total = req.Total()
	}
	slog.Info("SallaConnector CreateOrder succeeded", "merchant_id", req.MerchantID, "order_code", result.OrderCode, "total", result.Total)
	return result, nil
}

// splitName divides a full name into platform first/last fields. The last
// name falls back to a generic value because it is required by the API.
func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "العميل", "الكريم"
	}
	if len(parts) == 1 {
		return parts[0], "العميل"
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func valueOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
