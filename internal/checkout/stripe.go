// Package checkout builds hosted payment pages at the external checkout
// provider. The provider calls back into the settlement webhook once the
// payer completes the page.
package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentlink"
	"github.com/stripe/stripe-go/v82/price"
	"github.com/stripe/stripe-go/v82/product"

	"linkpay/internal/common/money"
	"linkpay/internal/request"
)

// Config holds checkout provider settings
type Config struct {
	APIKey string `envconfig:"STRIPE_API_KEY"`
}

// Enabled reports whether the provider is configured
func (c Config) Enabled() bool {
	return c.APIKey != ""
}

// StripeProvider creates hosted payment links through Stripe. It implements
// request.CheckoutProvider.
type StripeProvider struct {
	logger *slog.Logger
}

// NewStripeProvider creates a Stripe checkout provider. The API key is a
// package-level setting in the Stripe SDK.
func NewStripeProvider(cfg Config, logger *slog.Logger) *StripeProvider {
	stripe.Key = cfg.APIKey
	return &StripeProvider{logger: logger}
}

// PaymentURL creates a product, price and payment link for the request and
// returns the hosted page URL. Open-amount gifts have no fixed price and use
// a customer-chosen amount.
func (p *StripeProvider) PaymentURL(ctx context.Context, r *request.PaymentRequest) (string, error) {
	productParams := &stripe.ProductParams{
		Name: stripe.String(r.Title),
		Metadata: map[string]string{
			"request_id":    r.ID,
			"request_token": r.Token,
		},
	}
	productParams.Context = ctx

	prod, err := product.New(productParams)
	if err != nil {
		return "", fmt.Errorf("creating product: %w", err)
	}

	priceParams := &stripe.PriceParams{
		Currency: stripe.String(strings.ToLower(string(r.Currency))),
		Product:  stripe.String(prod.ID),
	}
	priceParams.Context = ctx

	if r.Kind == request.KindGift && r.Amount == nil {
		// Open gift: the payer picks the amount on the hosted page.
		custom := &stripe.PriceCustomUnitAmountParams{
			Enabled: stripe.Bool(true),
		}
		if r.MinAmount != nil {
			custom.Minimum = stripe.Int64(r.MinAmount.AmountMinor)
		}
		priceParams.CustomUnitAmount = custom
	} else {
		if r.Amount == nil {
			return "", fmt.Errorf("request %s has no amount", r.ID)
		}
		payable := *r.Amount
		if r.Kind == request.KindGift {
			quote := money.QuoteGiftFee(*r.Amount, r.Fee, r.VATRate)
			payable = quote.PayerTotal
		}
		priceParams.UnitAmount = stripe.Int64(payable.AmountMinor)
	}

	pr, err := price.New(priceParams)
	if err != nil {
		return "", fmt.Errorf("creating price: %w", err)
	}

	linkParams := &stripe.PaymentLinkParams{
		LineItems: []*stripe.PaymentLinkLineItemParams{
			{
				Price:    stripe.String(pr.ID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"request_token": r.Token,
		},
	}
	linkParams.Context = ctx

	link, err := paymentlink.New(linkParams)
	if err != nil {
		return "", fmt.Errorf("creating payment link: %w", err)
	}

	p.logger.Info("checkout link created",
		"request_id", r.ID,
		"link_id", link.ID,
	)

	return link.URL, nil
}

var _ request.CheckoutProvider = (*StripeProvider)(nil)
