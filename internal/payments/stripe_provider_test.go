package payments

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

type fakeStripeSessions struct {
	created *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (f *fakeStripeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.created = params
	return f.session, f.err
}

func (f *fakeStripeSessions) Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return f.session, f.err
}

type fakeStripeRefunds struct {
	params *stripe.RefundParams
}

func (f *fakeStripeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusSucceeded}, nil
}

func newStripeTestProvider(t *testing.T, sessions *fakeStripeSessions, refunds *fakeStripeRefunds) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		WebhookSecret: "whsec_test",
		Clients:       &stripeClients{sessions: sessions, refunds: refunds},
	})
	if err != nil {
		t.Fatalf("new stripe provider: %v", err)
	}
	return provider
}

func TestStripeInitializeCarriesReference(t *testing.T) {
	sessions := &fakeStripeSessions{session: &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/cs_1"}}
	provider := newStripeTestProvider(t, sessions, &fakeStripeRefunds{})

	session, err := provider.Initialize(context.Background(), InitializeRequest{
		Reference:   "ref_1",
		AmountMinor: 22500,
		Currency:    "NGN",
		Email:       "buyer@example.com",
		CallbackURL: "https://shop.test/payment/callback",
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if session.ProviderRef != "cs_1" || session.AuthorizationURL != "https://checkout.stripe.com/cs_1" {
		t.Fatalf("unexpected session %#v", session)
	}
	params := sessions.created
	if params == nil || stripe.StringValue(params.ClientReferenceID) != "ref_1" {
		t.Fatalf("expected client reference id on params")
	}
	if !strings.Contains(stripe.StringValue(params.SuccessURL), "reference=ref_1") {
		t.Fatalf("expected success url to carry reference, got %q", stripe.StringValue(params.SuccessURL))
	}
	if got := stripe.Int64Value(params.LineItems[0].PriceData.UnitAmount); got != 22500 {
		t.Fatalf("expected unit amount 22500, got %d", got)
	}
}

func TestStripeVerifyMapsSessionState(t *testing.T) {
	cases := []struct {
		name    string
		session *stripe.CheckoutSession
		want    Status
	}{
		{name: "paid", session: &stripe.CheckoutSession{ID: "cs_1", Status: stripe.CheckoutSessionStatusComplete, PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid, AmountTotal: 22500, Currency: "ngn"}, want: StatusSucceeded},
		{name: "open", session: &stripe.CheckoutSession{ID: "cs_1", Status: stripe.CheckoutSessionStatusOpen, PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid}, want: StatusPending},
		{name: "expired", session: &stripe.CheckoutSession{ID: "cs_1", Status: stripe.CheckoutSessionStatusExpired, PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid}, want: StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := newStripeTestProvider(t, &fakeStripeSessions{session: tc.session}, &fakeStripeRefunds{})
			got, err := provider.Verify(context.Background(), VerifyRequest{Reference: "ref_1", ProviderRef: "cs_1"})
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if got.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.Status)
			}
		})
	}
}

func TestStripeVerifyWithoutSessionIsPending(t *testing.T) {
	provider := newStripeTestProvider(t, &fakeStripeSessions{err: errors.New("should not be called")}, &fakeStripeRefunds{})
	got, err := provider.Verify(context.Background(), VerifyRequest{Reference: "ref_1"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
}

func TestStripeRefundUsesPaymentIntent(t *testing.T) {
	sessions := &fakeStripeSessions{session: &stripe.CheckoutSession{ID: "cs_1", PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"}}}
	refunds := &fakeStripeRefunds{}
	provider := newStripeTestProvider(t, sessions, refunds)

	result, err := provider.Refund(context.Background(), RefundRequest{Reference: "ref_1", ProviderRef: "cs_1"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.RefundID != "re_1" {
		t.Fatalf("unexpected refund result %#v", result)
	}
	if stripe.StringValue(refunds.params.PaymentIntent) != "pi_1" {
		t.Fatalf("expected refund against pi_1")
	}
}

func TestStripeParseWebhook(t *testing.T) {
	provider := newStripeTestProvider(t, &fakeStripeSessions{}, &fakeStripeRefunds{})
	payload := []byte(`{"id":"evt_1","object":"event","api_version":"` + stripe.APIVersion + `","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":"ref_1"}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_test"})
	header := http.Header{}
	header.Set("Stripe-Signature", signed.Header)

	event, err := provider.ParseWebhook(payload, header)
	if err != nil {
		t.Fatalf("parse webhook: %v", err)
	}
	if event.Reference != "ref_1" || event.Type != "checkout.session.completed" {
		t.Fatalf("unexpected event %#v", event)
	}

	header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	if _, err := provider.ParseWebhook(payload, header); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}
