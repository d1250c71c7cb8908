package utils

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// ErrProviderNotConfigured means the gateway lacks credentials and cannot send at all.
var ErrProviderNotConfigured = errors.New("email provider not configured")

// SendRequest describes one onboarding email. Either Template (a key of the
// embedded template set) or HTML with Subject must be given.
type SendRequest struct {
	To             string
	Template       string
	Subject        string
	HTML           string
	Data           map[string]interface{}
	IdempotencyKey string
}

// SendResult is what the provider accepted.
type SendResult struct {
	MessageID string
}

// EmailGateway delivers a single email. Implementations make exactly one
// delivery attempt per call and never retry internally.
type EmailGateway interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// SMTPConfig holds SMTP configuration
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

type emailTemplate struct {
	Subject string
	Body    *template.Template
}

// Embedded onboarding templates
var onboardingTemplates = map[string]emailTemplate{
	"welcome": {
		Subject: "Welcome aboard",
		Body: template.Must(template.New("welcome").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Welcome</title></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>Welcome!</h2>
    <p>Hello,</p>
    <p>Thanks for signing up. Over the next few days we'll send you a few short notes to help you get the most out of your account.</p>
    <p style="margin-top: 30px; font-size: 12px; color: #7f8c8d;">© {{.Year}} {{.FromName}}. All rights reserved.</p>
</body>
</html>`)),
	},
	"getting_started": {
		Subject: "Getting started in five minutes",
		Body: template.Must(template.New("getting_started").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Getting started</title></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>Let's get you set up</h2>
    <p>Hello,</p>
    <p>Most people start by completing their profile and inviting a teammate. It only takes a few minutes.</p>
    <p style="margin-top: 30px; font-size: 12px; color: #7f8c8d;">© {{.Year}} {{.FromName}}. All rights reserved.</p>
</body>
</html>`)),
	},
	"tips": {
		Subject: "Three tips from our power users",
		Body: template.Must(template.New("tips").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Tips</title></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>Tips to work faster</h2>
    <p>Hello,</p>
    <ul>
        <li>Use keyboard shortcuts to move around.</li>
        <li>Save searches you run often.</li>
        <li>Turn on notifications for the things you care about.</li>
    </ul>
    <p style="margin-top: 30px; font-size: 12px; color: #7f8c8d;">© {{.Year}} {{.FromName}}. All rights reserved.</p>
</body>
</html>`)),
	},
	"check_in": {
		Subject: "How is it going?",
		Body: template.Must(template.New("check_in").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Checking in</title></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>Checking in</h2>
    <p>Hello,</p>
    <p>You've been with us for a few days now. Just reply to this email if anything is unclear, a real person reads every answer.</p>
    <p style="margin-top: 30px; font-size: 12px; color: #7f8c8d;">© {{.Year}} {{.FromName}}. All rights reserved.</p>
</body>
</html>`)),
	},
}

// HasTemplate reports whether name is one of the embedded templates.
func HasTemplate(name string) bool {
	_, ok := onboardingTemplates[name]
	return ok
}

// SMTPGateway sends onboarding emails through an SMTP relay. gomail builds
// the message; the SMTP conversation runs on a connection bounded by the
// caller's context.
type SMTPGateway struct {
	cfg  SMTPConfig
	send func(ctx context.Context, m *gomail.Message) error
}

func NewSMTPGateway(cfg SMTPConfig) *SMTPGateway {
	g := &SMTPGateway{cfg: cfg}
	g.send = g.deliver
	return g
}

// Validate checks that the credentials needed to send are present.
func (g *SMTPGateway) Validate() error {
	var missing []string
	if g.cfg.Host == "" {
		missing = append(missing, "SMTP_HOST")
	}
	if g.cfg.Port == 0 {
		missing = append(missing, "SMTP_PORT")
	}
	if g.cfg.Username == "" {
		missing = append(missing, "SMTP_USERNAME")
	}
	if g.cfg.Password == "" {
		missing = append(missing, "SMTP_PASSWORD")
	}
	if g.cfg.FromEmail == "" {
		missing = append(missing, "SMTP_FROM_EMAIL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrProviderNotConfigured, strings.Join(missing, ", "))
	}
	return nil
}

// Send renders the request and makes one delivery attempt. It returns only
// once the SMTP exchange is over; when ctx ends first the connection is cut,
// so no delivery continues after a failure has been reported.
func (g *SMTPGateway) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := g.Validate(); err != nil {
		return SendResult{}, err
	}

	subject, body, err := g.render(req)
	if err != nil {
		return SendResult{}, err
	}

	messageID := g.messageID(req.IdempotencyKey)

	m := gomail.NewMessage()
	if g.cfg.FromName != "" {
		m.SetHeader("From", m.FormatAddress(g.cfg.FromEmail, g.cfg.FromName))
	} else {
		m.SetHeader("From", g.cfg.FromEmail)
	}
	m.SetHeader("To", req.To)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", messageID)
	m.SetHeader("Auto-Submitted", "auto-generated")
	if req.IdempotencyKey != "" {
		m.SetHeader("X-Idempotency-Key", req.IdempotencyKey)
	}
	m.SetBody("text/html", body)

	if err := g.send(ctx, m); err != nil {
		if ctxErr := contextError(ctx); ctxErr != nil {
			return SendResult{}, fmt.Errorf("error sending email: %w (%v)", ctxErr, err)
		}
		return SendResult{}, fmt.Errorf("error sending email: %w", err)
	}
	return SendResult{MessageID: messageID}, nil
}

// contextError reports ctx's error, counting a passed deadline as expired
// even if the connection timed out a moment before ctx's own timer fired.
func contextError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return nil
}

func (g *SMTPGateway) deliver(ctx context.Context, m *gomail.Message) error {
	return gomail.Send(gomail.SendFunc(func(from string, to []string, msg io.WriterTo) error {
		return g.smtpSend(ctx, from, to, msg)
	}), m)
}

// smtpSend runs one SMTP transaction. The context deadline is set on the
// connection and cancellation expires it, so a stalled server cannot hold
// the call or leave it running in the background.
func (g *SMTPGateway) smtpSend(ctx context.Context, from string, to []string, msg io.WriterTo) error {
	addr := net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port))

	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		raw.SetDeadline(time.Now())
	})
	defer stop()

	conn := raw
	if g.cfg.Port == 465 {
		conn = tls.Client(raw, &tls.Config{ServerName: g.cfg.Host})
	}

	client, err := smtp.NewClient(conn, g.cfg.Host)
	if err != nil {
		raw.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: g.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if ok, _ := client.Extension("AUTH"); ok && g.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", g.cfg.Username, g.cfg.Password, g.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := msg.WriteTo(w); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return client.Quit()
}

func (g *SMTPGateway) render(req SendRequest) (string, string, error) {
	if req.Template == "" {
		if req.HTML == "" || req.Subject == "" {
			return "", "", fmt.Errorf("send request needs a template or subject and html")
		}
		return req.Subject, req.HTML, nil
	}

	tmpl, ok := onboardingTemplates[req.Template]
	if !ok {
		return "", "", fmt.Errorf("template '%s' not found", req.Template)
	}

	data := map[string]interface{}{
		"Year":     time.Now().Year(),
		"FromName": g.cfg.FromName,
		"Email":    req.To,
	}
	for k, v := range req.Data {
		data[k] = v
	}

	var body bytes.Buffer
	if err := tmpl.Body.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("error executing template: %w", err)
	}

	subject := tmpl.Subject
	if req.Subject != "" {
		subject = req.Subject
	}
	return subject, body.String(), nil
}

func (g *SMTPGateway) messageID(key string) string {
	domain := "localhost"
	if i := strings.LastIndex(g.cfg.FromEmail, "@"); i >= 0 && i < len(g.cfg.FromEmail)-1 {
		domain = g.cfg.FromEmail[i+1:]
	}
	if key == "" {
		key = uuid.NewString()
	}
	return fmt.Sprintf("<%s@%s>", key, domain)
}
