package x402

import (
	"html/template"
	"net/http"
)

// defaultPaywallHTML is shown to browser clients that hit a priced route
// without a payment proof.
const defaultPaywallHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Payment Required</title>
<style>
body { font-family: -apple-system, sans-serif; max-width: 40rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
table { border-collapse: collapse; width: 100%; margin-top: 1rem; }
td, th { border: 1px solid #ddd; padding: 0.5rem; text-align: left; font-size: 0.9rem; }
code { background: #f4f4f4; padding: 0.1rem 0.3rem; border-radius: 3px; }
</style>
</head>
<body>
<h1>402 Payment Required</h1>
<p>{{if .Description}}{{.Description}}{{else}}This resource requires payment.{{end}}</p>
<p>Resource: <code>{{.Resource}}</code></p>
<table>
<tr><th>Amount</th><th>Network</th><th>Asset</th><th>Pay to</th></tr>
{{range .Accepts}}
<tr><td>{{.Amount}}</td><td>{{.Network}}</td><td><code>{{.Asset}}</code></td><td><code>{{.PayTo}}</code></td></tr>
{{end}}
</table>
<p>Retry with a signed payment authorization in the <code>X-Payment</code> header.</p>
</body>
</html>`

type paywall struct {
	tmpl *template.Template
}

type paywallAccept struct {
	Amount  string
	Network string
	Asset   string
	PayTo   string
}

type paywallData struct {
	Resource    string
	Description string
	Accepts     []paywallAccept
}

func newPaywall(custom string) (*paywall, error) {
	source := custom
	if source == "" {
		source = defaultPaywallHTML
	}
	tmpl, err := template.New("paywall").Parse(source)
	if err != nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "paywall template does not parse", err)
	}
	return &paywall{tmpl: tmpl}, nil
}

func (p *paywall) render(w http.ResponseWriter, r *http.Request, accepts []PaymentRequirements) {
	data := paywallData{Resource: resourceURL(r)}
	for _, req := range accepts {
		if data.Description == "" {
			data.Description = req.Description
		}
		amount := req.MaxAmountRequired
		if asset, ok := DefaultAsset(req.Network); ok && asset.Address == req.Asset {
			amount = "$" + FormatAmount(req.MaxAmountRequired, asset.Decimals)
		}
		data.Accepts = append(data.Accepts, paywallAccept{
			Amount:  amount,
			Network: req.Network,
			Asset:   req.Asset,
			PayTo:   req.PayTo,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusPaymentRequired)
	p.tmpl.Execute(w, data)
}
