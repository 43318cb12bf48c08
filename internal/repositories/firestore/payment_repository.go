package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/harvest-market/api/internal/domain"
	pfirestore "github.com/harvest-market/api/internal/platform/firestore"
	"github.com/harvest-market/api/internal/repositories"
)

const paymentCollection = "payments"

type paymentDocument struct {
	OrderID          string        `firestore:"orderId"`
	UserID           string        `firestore:"userId"`
	Provider         string        `firestore:"provider"`
	ProviderRef      string        `firestore:"providerRef,omitempty"`
	Amount           moneyDocument `firestore:"amount"`
	Email            string        `firestore:"email"`
	Status           string        `firestore:"status"`
	AuthorizationURL string        `firestore:"authorizationUrl,omitempty"`
	GatewayStatus    string        `firestore:"gatewayStatus,omitempty"`
	FailureReason    string        `firestore:"failureReason,omitempty"`
	VerifiedAt       *time.Time    `firestore:"verifiedAt,omitempty"`
	RefundedAt       *time.Time    `firestore:"refundedAt,omitempty"`
	CreatedAt        time.Time     `firestore:"createdAt"`
	UpdatedAt        time.Time     `firestore:"updatedAt"`
}

// PaymentRepository persists payments keyed by their locally generated reference.
type PaymentRepository struct {
	payments *pfirestore.Collection[paymentDocument]
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{payments: pfirestore.NewCollection[paymentDocument](provider, paymentCollection)}, nil
}

func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	doc, err := encodePayment(payment)
	if err != nil {
		return err
	}
	return r.payments.Create(ctx, payment.Reference, doc)
}

func (r *PaymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	doc, err := encodePayment(payment)
	if err != nil {
		return err
	}
	return r.payments.Set(ctx, payment.Reference, doc)
}

func (r *PaymentRepository) FindByReference(ctx context.Context, reference string) (domain.Payment, error) {
	ref := strings.TrimSpace(reference)
	doc, err := r.payments.Get(ctx, ref)
	if err != nil {
		return domain.Payment{}, err
	}
	return decodePayment(ref, doc)
}

// ListPending returns the oldest pending payments created before the cutoff.
func (r *PaymentRepository) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	docs, ids, err := r.payments.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.PaymentStatusPending)).
			Where("createdAt", "<", createdBefore.UTC()).
			OrderBy("createdAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Payment, 0, len(docs))
	for i, doc := range docs {
		payment, err := decodePayment(ids[i], doc)
		if err != nil {
			return nil, err
		}
		out = append(out, payment)
	}
	return out, nil
}

func encodePayment(payment domain.Payment) (paymentDocument, error) {
	amount, err := encodeMoney(payment.Amount)
	if err != nil {
		return paymentDocument{}, fmt.Errorf("payment repository: encode %s: %w", payment.Reference, err)
	}
	return paymentDocument{
		OrderID:          payment.OrderID,
		UserID:           payment.UserID,
		Provider:         payment.Provider,
		ProviderRef:      payment.ProviderRef,
		Amount:           amount,
		Email:            payment.Email,
		Status:           string(payment.Status),
		AuthorizationURL: payment.AuthorizationURL,
		GatewayStatus:    payment.GatewayStatus,
		FailureReason:    payment.FailureReason,
		VerifiedAt:       cloneTimePtr(payment.VerifiedAt),
		RefundedAt:       cloneTimePtr(payment.RefundedAt),
		CreatedAt:        payment.CreatedAt.UTC(),
		UpdatedAt:        payment.UpdatedAt.UTC(),
	}, nil
}

func decodePayment(reference string, doc paymentDocument) (domain.Payment, error) {
	amount, err := decodeMoney(doc.Amount, "")
	if err != nil {
		return domain.Payment{}, fmt.Errorf("payment repository: decode %s: %w", reference, err)
	}
	return domain.Payment{
		Reference:        reference,
		OrderID:          doc.OrderID,
		UserID:           doc.UserID,
		Provider:         doc.Provider,
		ProviderRef:      doc.ProviderRef,
		Amount:           amount,
		AmountMinor:      doc.Amount.AmountMinor,
		Currency:         amount.Currency(),
		Email:            doc.Email,
		Status:           domain.PaymentStatus(doc.Status),
		AuthorizationURL: doc.AuthorizationURL,
		GatewayStatus:    doc.GatewayStatus,
		FailureReason:    doc.FailureReason,
		VerifiedAt:       cloneTimePtr(doc.VerifiedAt),
		RefundedAt:       cloneTimePtr(doc.RefundedAt),
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}, nil
}
