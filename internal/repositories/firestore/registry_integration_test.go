//go:build integration

package firestore

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/money"
	pconfig "github.com/harvest-market/api/internal/platform/config"
	pfirestore "github.com/harvest-market/api/internal/platform/firestore"
	"github.com/harvest-market/api/internal/repositories"
)

// Run with FIRESTORE_EMULATOR_HOST pointing at a local emulator:
//
//	gcloud beta emulators firestore start --host-port=127.0.0.1:8085
//	FIRESTORE_EMULATOR_HOST=127.0.0.1:8085 go test -tags integration ./internal/repositories/firestore/...
func newIntegrationRegistry(t *testing.T) *Registry {
	t.Helper()
	host := os.Getenv("FIRESTORE_EMULATOR_HOST")
	if host == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "harvest-it-" + ulid.Make().String()[:8],
		EmulatorHost: host,
	})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	reg, err := NewRegistry(provider)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func TestCounterRepositoryConcurrentNext(t *testing.T) {
	reg := newIntegrationRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const workers = 12
	results := make([]int64, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			value, err := reg.Counters().Next(ctx, "orders:2026", 1)
			if err != nil {
				t.Errorf("next(%d): %v", idx, err)
				return
			}
			results[idx] = value
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, value := range results {
		if value != int64(i+1) {
			t.Fatalf("expected contiguous sequence, got %v", results)
		}
	}
}

func TestRegistryRunInTxRollsBack(t *testing.T) {
	reg := newIntegrationRegistry(t)
	ctx := context.Background()

	product := domain.Product{ID: "prod_rollback", Name: "Cassava", Price: money.MustParse("100.00", "NGN"), Stock: 4, Active: true}
	seedProduct(t, reg, product)

	boom := errors.New("boom")
	err := reg.RunInTx(ctx, func(txCtx context.Context) error {
		if _, err := reg.Products().FindByID(txCtx, product.ID); err != nil {
			return err
		}
		if err := reg.Products().SetStock(txCtx, product.ID, 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := reg.Products().FindByID(ctx, product.ID)
	if err != nil {
		t.Fatalf("find product: %v", err)
	}
	if got.Stock != 4 {
		t.Fatalf("expected stock untouched, got %d", got.Stock)
	}
}

func TestOrderAndPaymentPersistence(t *testing.T) {
	reg := newIntegrationRegistry(t)
	ctx := context.Background()
	now := time.Date(2026, time.May, 2, 9, 0, 0, 0, time.UTC)
	total := money.MustParse("225.00", "NGN")

	order := domain.Order{
		ID:               ulid.Make().String(),
		Number:           "HM-2026-000001",
		UserID:           "user_it",
		Items:            []domain.OrderItem{{ProductID: "p1", ProductName: "Yam", Quantity: 2, UnitPrice: money.MustParse("100.00", "NGN"), LineTotal: money.MustParse("200.00", "NGN")}},
		Currency:         "NGN",
		Subtotal:         money.MustParse("250.00", "NGN"),
		Discount:         money.MustParse("25.00", "NGN"),
		TotalAmount:      total,
		Status:           domain.OrderStatusPending,
		PaymentStatus:    domain.PaymentStatusPending,
		PaymentReference: "ref_it",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	payment := domain.Payment{
		Reference: "ref_it",
		OrderID:   order.ID,
		UserID:    order.UserID,
		Provider:  "paystack",
		Amount:    total,
		Status:    domain.PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := reg.RunInTx(ctx, func(txCtx context.Context) error {
		if err := reg.Orders().Insert(txCtx, order); err != nil {
			return err
		}
		return reg.Payments().Insert(txCtx, payment)
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := reg.Payments().Insert(ctx, payment); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate reference, got %v", err)
	}

	gotPayment, err := reg.Payments().FindByReference(ctx, "ref_it")
	if err != nil {
		t.Fatalf("find payment: %v", err)
	}
	if gotPayment.AmountMinor != 22500 {
		t.Fatalf("expected 22500 minor units, got %d", gotPayment.AmountMinor)
	}

	page, err := reg.Orders().List(ctx, repositories.OrderListFilter{UserID: "user_it", Pagination: domain.Pagination{PageSize: 5}})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(page.Items) != 1 || !page.Items[0].TotalAmount.Equal(total) {
		t.Fatalf("unexpected page %#v", page)
	}
}

func seedProduct(t *testing.T, reg *Registry, product domain.Product) {
	t.Helper()
	price, err := encodeMoney(product.Price)
	if err != nil {
		t.Fatalf("encode price: %v", err)
	}
	if err := reg.products.products.Set(context.Background(), product.ID, productDocument{
		Name:   product.Name,
		Price:  price,
		Stock:  product.Stock,
		Active: product.Active,
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
}
