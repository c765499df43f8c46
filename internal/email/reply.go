package email

import (
	"context"
	"fmt"
	"html"
	"strings"

	gomail "github.com/wneessen/go-mail"

	"github.com/chartmann1590/mumble-ai-assistant/internal/config"
)

// Mailer sends outbound e-mail (replies, reminders, daily summaries) via the
// configured SMTP transport.
type Mailer struct {
	cfg config.EmailConfig
}

// NewMailer creates a [Mailer] from the e-mail transport config.
func NewMailer(cfg config.EmailConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

// ReplyParams carries everything needed to compose and send a threaded
// reply.
type ReplyParams struct {
	To         string
	Subject    string // already run through ReplySubject
	PlainBody  string
	MessageID  string // this message's own Message-ID, for In-Reply-To on future replies
	InReplyTo  string // original message's Message-ID
	References []string
}

// SendReply composes a multipart alternative (plain + minimal HTML) message
// with In-Reply-To/References threading headers and sends it via SMTP.
func (m *Mailer) SendReply(ctx context.Context, p ReplyParams) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.SMTPUser); err != nil {
		return fmt.Errorf("email: set from: %w", err)
	}
	if err := msg.To(p.To); err != nil {
		return fmt.Errorf("email: set to: %w", err)
	}
	msg.Subject(p.Subject)
	msg.SetBodyString(gomail.TypeTextPlain, p.PlainBody)
	msg.AddAlternativeString(gomail.TypeTextHTML, plainToMinimalHTML(p.PlainBody))

	if p.InReplyTo != "" {
		msg.SetGenHeader(gomail.HeaderInReplyTo, p.InReplyTo)
	}
	if len(p.References) > 0 {
		msg.SetGenHeader(gomail.HeaderReferences, strings.Join(p.References, " "))
	}

	return m.send(ctx, msg)
}

// SendReminder sends a plain-text reminder e-mail (used by the reminder scheduler).
func (m *Mailer) SendReminder(ctx context.Context, to, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.SMTPUser); err != nil {
		return fmt.Errorf("email: set from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("email: set to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)
	return m.send(ctx, msg)
}

// SendSummary sends the HTML+plain daily digest (used by the daily summary).
func (m *Mailer) SendSummary(ctx context.Context, to, subject, plainBody, htmlBody string) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.SMTPUser); err != nil {
		return fmt.Errorf("email: set from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("email: set to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, plainBody)
	msg.AddAlternativeString(gomail.TypeTextHTML, htmlBody)
	return m.send(ctx, msg)
}

func (m *Mailer) send(ctx context.Context, msg *gomail.Msg) error {
	opts := []gomail.Option{
		gomail.WithPort(m.cfg.SMTPPort),
		gomail.WithUsername(m.cfg.SMTPUser),
		gomail.WithPassword(m.cfg.SMTPPassword),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
	}
	switch {
	case m.cfg.SMTPUseSSL:
		opts = append(opts, gomail.WithSSL())
	case m.cfg.SMTPUseTLS:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	default:
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	}

	client, err := gomail.NewClient(m.cfg.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("email: smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("email: smtp send: %w", err)
	}
	return nil
}

// plainToMinimalHTML wraps a plain-text body in the smallest HTML envelope
// that renders line breaks.
func plainToMinimalHTML(plain string) string {
	escaped := html.EscapeString(plain)
	return "<html><body><p>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</p></body></html>"
}
