package commerce

import (
	"context"
	"strconv"
	"sync"
)

// MockConnector is a Connector for testing that serves a fixed catalog and
// records created orders.
type MockConnector struct {
	mu       sync.Mutex
	catalog  map[int64][]Product
	orders   []OrderRequest
	listErr  error
	orderErr error
	nextCode int
}

// NewMockConnector creates an empty mock connector.
func NewMockConnector() *MockConnector {
	return &MockConnector{
		catalog:  make(map[int64][]Product),
		nextCode: 1001,
	}
}

// SetCatalog replaces a merchant's catalog.
func (m *MockConnector) SetCatalog(merchantID int64, products []Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog[merchantID] = products
}

// SetListError makes ListProducts fail with err.
func (m *MockConnector) SetListError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// SetOrderError makes CreateOrder fail with err.
func (m *MockConnector) SetOrderError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderErr = err
}

// Orders returns a copy of all recorded order requests.
func (m *MockConnector) Orders() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrderRequest, len(m.orders))
	copy(out, m.orders)
	return out
}

func (m *MockConnector) ListProducts(ctx context.Context, merchantID int64) ([]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	products := make([]Product, len(m.catalog[merchantID]))
	copy(products, m.catalog[merchantID])
	return products, nil
}

func (m *MockConnector) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	m.orders = append(m.orders, req)
	code := strconv.Itoa(m.nextCode)
	m.nextCode++
	return &OrderResult{
		OrderID:    "ord_mock",
		OrderCode:  code,
		PaymentURL: "https://pay.example/" + code,
		Total:      req.Total(),
	}, nil
}
