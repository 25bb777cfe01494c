package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Settler finalizes the payment held for a delivery once it reaches a
// terminal status. Capture and settlement themselves live with the payment
// provider.
type Settler interface {
	Capture(ctx context.Context, paymentIntentID string) error
	Release(ctx context.Context, paymentIntentID string) error
}

// StripeClient settles manual-capture PaymentIntents created upstream when
// the order was placed.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the given secret key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Capture collects the held amount of a delivered order.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if _, err := paymentintent.Capture(paymentIntentID, params); err != nil {
		return fmt.Errorf("capture %s: %w", paymentIntentID, err)
	}
	return nil
}

// Release cancels the hold of a cancelled delivery.
func (s *StripeClient) Release(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	if _, err := paymentintent.Cancel(paymentIntentID, params); err != nil {
		return fmt.Errorf("release %s: %w", paymentIntentID, err)
	}
	return nil
}
