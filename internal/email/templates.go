package email

import (
	"bytes"
	"fmt"
	"html/template"
	"strconv"
	"time"
)

// Type selects the template of a message.
type Type string

const (
	TypeWelcome         Type = "welcome"
	TypePremiumPlus     Type = "premium_plus"
	TypePremiumPro      Type = "premium_pro"
	TypePremiumLifetime Type = "premium_lifetime"
	TypeCreditBundle    Type = "credit_bundle"
	TypeGenericPurchase Type = "generic_purchase"
)

// ParseType returns the Type named s, falling back to the generic purchase template.
func ParseType(s string) Type {
	switch t := Type(s); t {
	case TypeWelcome, TypePremiumPlus, TypePremiumPro, TypePremiumLifetime, TypeCreditBundle, TypeGenericPurchase:
		return t
	}
	return TypeGenericPurchase
}

// Brand is the sender identity shown in every email.
type Brand struct {
	Name         string
	Website      string
	SupportEmail string
}

// Data is the template input. Purchase fields are empty for welcome emails.
type Data struct {
	UserName    string
	ProductName string
	Amount      string
	Currency    string
	OrderID     string
	Credits     int64
	BundleName  string
	Date        time.Time
}

// Content is a rendered email.
type Content struct {
	Subject string
	HTML    string
}

type plan struct {
	Subject  string
	Period   string
	Headline string
	Preview  string
	Features []string
}

var plans = map[Type]plan{
	TypePremiumPlus: {
		Subject:  "Welcome to Premium Plus!",
		Period:   "/month",
		Headline: "your Plus subscription is now active!",
		Preview:  "Your Premium Plus subscription is now active!",
		Features: []string{"Everything in Free", "500 bonus credits", "Advanced features", "Email support", "Priority queue"},
	},
	TypePremiumPro: {
		Subject:  "Welcome to Premium Pro!",
		Period:   "/month",
		Headline: "your Pro subscription is now active!",
		Preview:  "Your Premium Pro subscription is now active!",
		Features: []string{"Everything in Plus", "500 bonus credits", "Pro-only features", "Priority support", "Custom integrations", "API access"},
	},
	TypePremiumLifetime: {
		Subject:  "Welcome to Premium Lifetime!",
		Period:   " (one-time)",
		Headline: "you now have lifetime access!",
		Preview:  "Congratulations! You now have lifetime access!",
		Features: []string{"Everything in Pro", "Lifetime access", "All future updates", "Priority support forever", "500 bonus credits"},
	},
}

const layoutHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Brand.Name}}</title>
</head>
<body style="margin: 0; padding: 0; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background-color: #1a1a1a; color: #fafafa; line-height: 1.6;">
{{if .Preview}}<div style="display:none;max-height:0;overflow:hidden;">{{.Preview}}</div>{{end}}
<div style="max-width: 600px; margin: 0 auto; padding: 40px 20px;">
<div style="background-color: #262626; border-radius: 12px; border: 1px solid rgba(255,255,255,0.1); padding: 40px;">
<p style="text-align: center; font-size: 24px; font-weight: 700; margin: 0 0 32px;">{{.Brand.Name}}</p>
{{.Body}}
<div style="text-align: center; margin-top: 32px; padding-top: 24px; border-top: 1px solid rgba(255,255,255,0.1); font-size: 14px; color: #a3a3a3;">
<p>&copy; {{.Year}} {{.Brand.Name}}. All rights reserved.</p>
<p><a href="{{.Brand.Website}}" style="color: #e5e5e5;">Website</a> &bull; <a href="mailto:{{.Brand.SupportEmail}}" style="color: #e5e5e5;">Contact Support</a></p>
</div>
</div>
</div>
</body>
</html>`

const partialsHTML = `
{{define "greeting"}}<p style="text-align: center; font-size: 18px;">Hi <strong>{{or .UserName "there"}}</strong>, {{.Headline}}</p>{{end}}

{{define "rows"}}<table style="width: 100%; border-collapse: collapse; margin: 24px 0;">
{{range .}}<tr><td style="padding: 12px 0; color: #a3a3a3;">{{.Label}}</td><td style="padding: 12px 0; text-align: right;">{{.Value}}</td></tr>
{{end}}</table>{{end}}

{{define "features"}}<ul style="margin: 16px 0; padding: 0; list-style: none;">
{{range .}}<li style="margin: 12px 0; color: #a3a3a3;">&#10003; {{.}}</li>
{{end}}</ul>{{end}}

{{define "button"}}<div style="text-align: center;"><a href="{{.URL}}" style="display: inline-block; background-color: #e5e5e5; color: #1a1a1a; text-decoration: none; padding: 14px 28px; border-radius: 8px; font-weight: 600;">{{.Label}}</a></div>{{end}}

{{define "welcome"}}<h1 style="text-align: center;">Welcome to {{.Brand.Name}}!</h1>
<p style="text-align: center; font-size: 18px;">Hey <strong>{{or .UserName "there"}}</strong>, we're thrilled to have you on board!</p>
<h2>Here's what you can do next:</h2>
{{template "features" .Features}}
{{template "button" .Button}}{{end}}

{{define "premium"}}<h1 style="text-align: center;">{{.Title}}</h1>
{{template "greeting" .}}
{{template "rows" .Rows}}
<h2>Your {{.BenefitsLabel}} Benefits:</h2>
{{template "features" .Features}}
{{template "button" .Button}}
{{if .Lifetime}}<p style="text-align: center; font-size: 14px;">Thank you for believing in us! We're honored to have you as a lifetime member.</p>{{end}}{{end}}

{{define "credit_bundle"}}<h1 style="text-align: center;">Credits Added to Your Account!</h1>
{{template "greeting" .}}
{{template "rows" .Rows}}
<h2>How to Use Your Credits:</h2>
{{template "features" .Features}}
{{template "button" .Button}}{{end}}

{{define "generic_purchase"}}<h1 style="text-align: center;">Thank You for Your Purchase!</h1>
{{template "greeting" .}}
{{template "rows" .Rows}}
<p style="text-align: center;">Your purchase is now available in your account. If you have any questions, please don't hesitate to contact us.</p>
{{template "button" .Button}}{{end}}
`

var (
	layoutTemplate  = template.Must(template.New("layout").Parse(layoutHTML))
	contentTemplate = template.Must(template.New("content").Parse(partialsHTML))
)

type row struct {
	Label string
	Value string
}

type button struct {
	URL   string
	Label string
}

type view struct {
	Data
	Brand         Brand
	Title         string
	Headline      string
	BenefitsLabel string
	Lifetime      bool
	Rows          []row
	Features      []string
	Button        button
}

type layoutView struct {
	Brand   Brand
	Preview string
	Body    template.HTML
	Year    int
}

// Renderer turns a Type and Data into a finished email.
type Renderer struct {
	brand Brand
}

// NewRenderer creates a renderer for brand.
func NewRenderer(brand Brand) *Renderer {
	return &Renderer{brand: brand}
}

// Render builds the subject and HTML body for t.
func (r *Renderer) Render(t Type, d Data) (Content, error) {
	if d.Date.IsZero() {
		d.Date = time.Now()
	}
	v := view{Data: d, Brand: r.brand, Button: button{URL: r.brand.Website, Label: "Go to Dashboard →"}}

	var (
		name    string
		subject string
		preview string
	)
	switch t {
	case TypeWelcome:
		name = "welcome"
		subject = fmt.Sprintf("Welcome to %s!", r.brand.Name)
		preview = fmt.Sprintf("Welcome to %s! We're excited to have you.", r.brand.Name)
		v.Features = []string{"Explore our premium features and tools", "Set up your profile and preferences", "Check out our getting started guide", "Connect with our community"}
		v.Button.Label = "Get Started →"

	case TypePremiumPlus, TypePremiumPro, TypePremiumLifetime:
		p := plans[t]
		name = "premium"
		subject = p.Subject
		preview = p.Preview
		v.Headline = p.Headline
		v.Features = p.Features
		v.Lifetime = t == TypePremiumLifetime
		v.Title = "Welcome to Premium!"
		v.BenefitsLabel = "Premium"
		if v.Lifetime {
			v.Title = "Welcome to Premium Forever!"
			v.BenefitsLabel = "Lifetime"
		}
		v.Rows = append([]row{
			{Label: "Plan", Value: orDefault(d.ProductName, string(t))},
			{Label: "Amount", Value: d.Currency + " " + d.Amount + p.Period},
		}, orderRows(d)...)
		v.Button.Label = "Start Exploring →"

	case TypeCreditBundle:
		name = "credit_bundle"
		subject = fmt.Sprintf("Your %d Credits Have Been Added!", d.Credits)
		preview = "Your credits have been added to your account!"
		credits := "N/A"
		if d.Credits > 0 {
			credits = strconv.FormatInt(d.Credits, 10) + " Credits"
			preview = fmt.Sprintf("%d credits have been added to your account!", d.Credits)
		}
		v.Headline = "your credits have been added!"
		v.Features = []string{"Credits are available immediately in your account", "Use credits for premium features and actions", "Your credits never expire", "Check your balance anytime in your dashboard"}
		v.Rows = append([]row{
			{Label: "Bundle", Value: orDefault(d.BundleName, orDefault(d.ProductName, "Credit Bundle"))},
			{Label: "Credits Added", Value: credits},
			{Label: "Amount Paid", Value: d.Currency + " " + d.Amount},
		}, orderRows(d)...)

	default:
		name = "generic_purchase"
		subject = "Thank you for your purchase!"
		preview = "Your purchase has been confirmed!"
		v.Headline = "your purchase has been confirmed!"
		v.Rows = append([]row{
			{Label: "Product", Value: orDefault(d.ProductName, "Product")},
			{Label: "Amount Paid", Value: d.Currency + " " + d.Amount},
		}, orderRows(d)...)
	}

	var body bytes.Buffer
	if err := contentTemplate.ExecuteTemplate(&body, name, v); err != nil {
		return Content{}, fmt.Errorf("render %s template: %w", name, err)
	}

	var page bytes.Buffer
	err := layoutTemplate.Execute(&page, layoutView{
		Brand:   r.brand,
		Preview: preview,
		// body is html/template output, already escaped.
		Body: template.HTML(body.String()),
		Year: d.Date.Year(),
	})
	if err != nil {
		return Content{}, fmt.Errorf("render layout: %w", err)
	}
	return Content{Subject: subject, HTML: page.String()}, nil
}

func orderRows(d Data) []row {
	var rows []row
	if d.OrderID != "" {
		rows = append(rows, row{Label: "Order ID", Value: d.OrderID})
	}
	rows = append(rows, row{Label: "Date", Value: d.Date.Format("January 2, 2006")})
	return rows
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
