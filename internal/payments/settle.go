// Package payments records a finalized bill with the payment processor.
// Settlement is best-effort: the bill shown to the driver never depends on it.
package payments

import (
	"context"
	"errors"
	"strconv"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-coordinator/internal/models"
)

var ErrNoFare = errors.New("bill has no fare to settle")

type Settler interface {
	Settle(ctx context.Context, bill models.Bill) (string, error)
}

// StripeSettler holds the fare on a manual-capture PaymentIntent; capture
// happens once the rider's payment is confirmed.
type StripeSettler struct {
	intents  paymentintent.Client
	currency string
}

func NewStripeSettler(apiKey, currency string) *StripeSettler {
	return NewStripeSettlerWithBackend(apiKey, currency, stripe.GetBackend(stripe.APIBackend))
}

func NewStripeSettlerWithBackend(apiKey, currency string, b stripe.Backend) *StripeSettler {
	if currency == "" {
		currency = string(stripe.CurrencyINR)
	}
	return &StripeSettler{intents: paymentintent.Client{B: b, Key: apiKey}, currency: currency}
}

// Settle returns the PaymentIntent id holding the bill's fare.
func (s *StripeSettler) Settle(ctx context.Context, bill models.Bill) (string, error) {
	if bill.Fare <= 0 {
		return "", ErrNoFare
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(bill.Fare * 100),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Description:   stripe.String("ride " + bill.RideID),
	}
	params.Context = ctx
	params.AddMetadata("ride_id", bill.RideID)
	params.AddMetadata("distance_km", strconv.FormatFloat(bill.DistanceKm, 'f', 2, 64))
	params.AddMetadata("vehicle_type", bill.VehicleType)
	params.SetIdempotencyKey("bill-" + bill.RideID)
	pi, err := s.intents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a held PaymentIntent.
func (s *StripeSettler) Capture(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.intents.Capture(intentID, params)
	return err
}

// Cancel releases the hold.
func (s *StripeSettler) Cancel(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.intents.Cancel(intentID, params)
	return err
}
