package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/hackgods/clinic-appointments/internal/email"
)

const whenLayout = "02 Jan 2006, 15:04"

type view struct {
	Audience     string // patient or owner
	PatientName  string
	PatientEmail string
	Practitioner string
	When         string
	Until        string
	Notes        string
	ByClinic     bool
	Amount       string
	Method       string
	PaymentRef   string
}

type mailTemplate struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

func mustTemplate(name, subject, text, html string) mailTemplate {
	return mailTemplate{
		subject: texttemplate.Must(texttemplate.New(name + ".subject").Parse(subject)),
		text:    texttemplate.Must(texttemplate.New(name + ".txt").Parse(text)),
		html:    htmltemplate.Must(htmltemplate.New(name + ".html").Parse(html)),
	}
}

var templates = map[EventType]map[string]mailTemplate{
	EventAppointmentCreated: {
		"patient": mustTemplate("created.patient",
			`Appointment confirmed - {{.When}}`,
			`Hello {{.PatientName}},

Your appointment{{with .Practitioner}} with {{.}}{{end}} is booked for {{.When}}.
Notes: {{if .Notes}}{{.Notes}}{{else}}none{{end}}

Please complete the payment to keep your booking.
`,
			`<p>Hello {{.PatientName}},</p>
<p>Your appointment{{with .Practitioner}} with {{.}}{{end}} is booked for <strong>{{.When}}</strong>.</p>
<p>Notes: {{if .Notes}}{{.Notes}}{{else}}none{{end}}</p>
<p>Please complete the payment to keep your booking.</p>
`),
		"owner": mustTemplate("created.owner",
			`New appointment - {{.PatientName}} - {{.When}}`,
			`{{.PatientName}} <{{.PatientEmail}}> booked {{.When}} - {{.Until}}.
Notes: {{if .Notes}}{{.Notes}}{{else}}none{{end}}
`,
			`<p>{{.PatientName}} &lt;{{.PatientEmail}}&gt; booked <strong>{{.When}} - {{.Until}}</strong>.</p>
<p>Notes: {{if .Notes}}{{.Notes}}{{else}}none{{end}}</p>
`),
	},
	EventAppointmentCancelled: {
		"patient": mustTemplate("cancelled.patient",
			`Appointment cancelled - {{.When}}`,
			`Hello {{.PatientName}},

Your appointment on {{.When}} has been cancelled{{if .ByClinic}} by the clinic{{end}}.
`,
			`<p>Hello {{.PatientName}},</p>
<p>Your appointment on <strong>{{.When}}</strong> has been cancelled{{if .ByClinic}} by the clinic{{end}}.</p>
`),
		"owner": mustTemplate("cancelled.owner",
			`Appointment cancelled - {{.PatientName}} - {{.When}}`,
			`The appointment of {{.PatientName}} on {{.When}} was cancelled {{if .ByClinic}}by staff{{else}}by the patient{{end}}.
`,
			`<p>The appointment of {{.PatientName}} on <strong>{{.When}}</strong> was cancelled {{if .ByClinic}}by staff{{else}}by the patient{{end}}.</p>
`),
	},
	EventPaymentCompleted: {
		"patient": mustTemplate("paid.patient",
			`Payment received - {{.When}}`,
			`Hello {{.PatientName}},

We received your payment of {{.Amount}} for the appointment on {{.When}}.
Reference: {{.PaymentRef}}
`,
			`<p>Hello {{.PatientName}},</p>
<p>We received your payment of <strong>{{.Amount}}</strong> for the appointment on {{.When}}.</p>
<p>Reference: {{.PaymentRef}}</p>
`),
		"owner": mustTemplate("paid.owner",
			`Payment received - {{.PatientName}} - {{.Amount}}`,
			`{{.PatientName}} paid {{.Amount}}{{with .Method}} by {{.}}{{end}} for {{.When}}.
Reference: {{.PaymentRef}}
`,
			`<p>{{.PatientName}} paid <strong>{{.Amount}}</strong>{{with .Method}} by {{.}}{{end}} for {{.When}}.</p>
<p>Reference: {{.PaymentRef}}</p>
`),
	},
}

// Renderer turns an envelope into one message for the patient and one for
// the clinic owner. Either is skipped when its address is unknown.
type Renderer struct {
	ownerEmail string
	loc        *time.Location
}

func NewRenderer(ownerEmail string, loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{ownerEmail: strings.TrimSpace(ownerEmail), loc: loc}
}

func (r *Renderer) Render(env Envelope) ([]email.Message, error) {
	set, ok := templates[env.Type]
	if !ok {
		return nil, fmt.Errorf("no templates for event %q", env.Type)
	}

	appt := env.Appointment
	v := view{ByClinic: env.CancelledByPrivileged}
	if env.Type == EventPaymentCompleted {
		if env.Payment == nil {
			return nil, fmt.Errorf("event %s has no payment", env.ID)
		}
		appt = &env.Payment.Appointment
		v.Amount = env.Payment.Amount.String() + " " + env.Payment.Currency
		v.Method = env.Payment.PaymentMethod
		v.PaymentRef = env.Payment.GatewayPaymentID
		if v.PaymentRef == "" {
			v.PaymentRef = env.Payment.PaymentID.String()
		}
	}
	if appt == nil {
		return nil, fmt.Errorf("event %s has no appointment", env.ID)
	}

	v.PatientName = appt.PatientName
	if v.PatientName == "" {
		v.PatientName = appt.PatientEmail
	}
	v.PatientEmail = appt.PatientEmail
	v.Practitioner = appt.PractitionerName
	v.When = appt.SlotStart.In(r.loc).Format(whenLayout)
	v.Until = appt.SlotEnd.In(r.loc).Format("15:04")
	v.Notes = appt.Notes

	recipients := []struct {
		audience string
		to       string
	}{
		{"patient", appt.PatientEmail},
		{"owner", r.ownerEmail},
	}

	var out []email.Message
	for _, rcpt := range recipients {
		if rcpt.to == "" {
			continue
		}
		v.Audience = rcpt.audience
		msg, err := set[rcpt.audience].execute(v)
		if err != nil {
			return nil, fmt.Errorf("render %s for %s: %w", env.Type, rcpt.audience, err)
		}
		msg.To = []string{rcpt.to}
		msg.Headers = map[string]string{"X-Clinic-Event-ID": env.ID.String()}
		out = append(out, msg)
	}
	return out, nil
}

func (t mailTemplate) execute(v view) (email.Message, error) {
	var subject, text, html bytes.Buffer
	if err := t.subject.Execute(&subject, v); err != nil {
		return email.Message{}, err
	}
	if err := t.text.Execute(&text, v); err != nil {
		return email.Message{}, err
	}
	if err := t.html.Execute(&html, v); err != nil {
		return email.Message{}, err
	}
	return email.Message{
		Subject:  subject.String(),
		TextBody: text.String(),
		HTMLBody: html.String(),
	}, nil
}
