package views

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"

	"orderflow_billing/internal/models"
	"orderflow_billing/internal/money"
)

// RecoveryPageProps feeds the abandoned-order landing page
type RecoveryPageProps struct {
	Order     *models.Order
	Providers []models.PaymentProvider
}

var providerLabels = map[models.PaymentProvider]string{
	models.ProviderStripe:   "Pay by card",
	models.ProviderMidtrans: "Pay by bank transfer or e-wallet",
}

// RecoveryPage lets a customer resume payment of an order they abandoned
func RecoveryPage(props RecoveryPageProps) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		o := props.Order
		amount := o.Amount.StringFixed(money.Precision(o.Currency))
		if err := writeHead(w, fmt.Sprintf("Order #%d", o.OrderNumber)); err != nil {
			return err
		}
		body := fmt.Sprintf(`<main class="recovery"><h1>Complete your order #%d</h1>`+
			`<p class="amount">%s %s</p><p class="expires">This order stays open until %s.</p>`,
			o.OrderNumber,
			templ.EscapeString(amount), templ.EscapeString(o.Currency),
			templ.EscapeString(o.ExpiresAt.UTC().Format("2 Jan 2006 15:04 MST")))
		if _, err := io.WriteString(w, body); err != nil {
			return err
		}
		for _, p := range props.Providers {
			label, ok := providerLabels[p]
			if !ok {
				label = "Pay with " + string(p)
			}
			form := fmt.Sprintf(`<form method="post" action="%s">`+
				`<input type="hidden" name="provider" value="%s"><input type="hidden" name="redirect" value="true">`+
				`<button type="submit">%s</button></form>`,
				templ.EscapeString(fmt.Sprintf("/orders/%s/checkout", o.ID)),
				templ.EscapeString(string(p)),
				templ.EscapeString(label))
			if _, err := io.WriteString(w, form); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</main></body></html>`)
		return err
	})
}

// RecoveryUnavailable explains that a recovery link can no longer be used
func RecoveryUnavailable(message string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := writeHead(w, "Link unavailable"); err != nil {
			return err
		}
		_, err := io.WriteString(w, `<main class="recovery"><h1>This link is no longer valid</h1><p>`+
			templ.EscapeString(message)+`</p></main></body></html>`)
		return err
	})
}

func writeHead(w io.Writer, title string) error {
	_, err := io.WriteString(w, `<!doctype html><html lang="en"><head><meta charset="utf-8">`+
		`<meta name="viewport" content="width=device-width, initial-scale=1"><title>`+
		templ.EscapeString(title)+`</title></head><body>`)
	return err
}
