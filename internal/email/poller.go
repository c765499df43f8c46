package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/chartmann1590/mumble-ai-assistant/internal/config"
)

// defaultPollInterval is used when the bootstrap config leaves
// poll_interval_seconds unset or non-positive.
const defaultPollInterval = 300 * time.Second

// fetchTimeout is the deadline on the context passed to fetchUnseen. The
// IMAP client calls take no context, so it does not interrupt a stalled
// round trip.
const fetchTimeout = 60 * time.Second

// InboundMessage is one parsed UNSEEN message, ready for thread resolution.
type InboundMessage struct {
	From        string
	Subject     string
	MessageID   string
	References  []string
	InReplyTo   string
	PlainBody   string
	Attachments []RawAttachment
}

// Poller connects to the configured IMAP mailbox on a fixed interval and
// yields parsed UNSEEN messages. Every fetched message is marked \Seen
// before any is handed off, including messages that failed to parse.
type Poller struct {
	cfg      config.EmailConfig
	interval time.Duration
}

// NewPoller creates a [Poller] from the e-mail transport config.
func NewPoller(cfg config.EmailConfig) *Poller {
	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{cfg: cfg, interval: interval}
}

// Run polls forever until ctx is canceled, invoking handle for every UNSEEN
// message fetched each cycle. A failed connection is logged and retried on
// the next tick rather than aborting the loop.
func (p *Poller) Run(ctx context.Context, handle func(context.Context, InboundMessage)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx, handle)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx, handle)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, handle func(context.Context, InboundMessage)) {
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	msgs, err := p.fetchUnseen(fctx)
	if err != nil {
		slog.Error("email: imap poll failed", "host", p.cfg.IMAPHost, "err", err)
		return
	}
	for _, m := range msgs {
		handle(ctx, m)
	}
}

// fetchUnseen connects, selects the configured mailbox, searches for UNSEEN
// messages, fetches and parses each, and marks them \Seen.
func (p *Poller) fetchUnseen(ctx context.Context) ([]InboundMessage, error) {
	addr := fmt.Sprintf("%s:%d", p.cfg.IMAPHost, p.cfg.IMAPPort)

	var c *imapclient.Client
	var err error
	if p.cfg.IMAPUseSSL {
		c, err = imapclient.DialTLS(addr, &imapclient.Options{TLSConfig: &tls.Config{ServerName: p.cfg.IMAPHost}})
	} else {
		c, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("imap dial: %w", err)
	}
	defer c.Close()

	if err := c.Login(p.cfg.IMAPUser, p.cfg.IMAPPassword).Wait(); err != nil {
		return nil, fmt.Errorf("imap login: %w", err)
	}

	mailbox := p.cfg.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, nil).Wait(); err != nil {
		return nil, fmt.Errorf("imap select %s: %w", mailbox, err)
	}

	searchData, err := c.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search unseen: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	uidSet := imap.UIDSetNum(uids...)
	fetchCmd := c.Fetch(uidSet, fetchOptions)
	defer fetchCmd.Close()

	var out []InboundMessage
	for {
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		msg, err := msgData.Collect()
		if err != nil {
			slog.Error("email: collect message failed", "err", err)
			continue
		}
		raw, err := readMessageBody(msg)
		if err != nil {
			slog.Error("email: read message body failed", "err", err)
			continue
		}
		parsed, err := parseRFC822(raw)
		if err != nil {
			slog.Error("email: parse message failed", "err", err)
			continue
		}
		out = append(out, parsed)
	}
	if err := fetchCmd.Close(); err != nil {
		return out, fmt.Errorf("imap fetch: %w", err)
	}

	if err := c.Store(uidSet, &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagSeen},
	}, nil).Wait(); err != nil {
		slog.Error("email: mark seen failed", "err", err)
	}

	return out, nil
}

func readMessageBody(msg *imapclient.FetchMessageBuffer) ([]byte, error) {
	for _, section := range msg.BodySection {
		if section.Bytes != nil {
			return section.Bytes, nil
		}
	}
	return nil, fmt.Errorf("no body section returned")
}

// parseRFC822 parses a full RFC 5322 message into an [InboundMessage],
// extracting the plain-text body and any attachments.
func parseRFC822(raw []byte) (InboundMessage, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return InboundMessage{}, fmt.Errorf("mail.CreateReader: %w", err)
	}

	header := reader.Header
	from, _ := header.AddressList("From")
	msgID, _ := header.MessageID()
	inReplyTo, _ := header.MsgIDList("In-Reply-To")
	refs, _ := header.MsgIDList("References")
	subject, _ := header.Subject()

	m := InboundMessage{
		Subject:    subject,
		MessageID:  msgID,
		References: refs,
	}
	if len(inReplyTo) > 0 {
		m.InReplyTo = inReplyTo[0]
	}
	if len(from) > 0 {
		m.From = from[0].Address
	}

	var plainParts, htmlParts []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return m, fmt.Errorf("mail: next part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			if strings.HasPrefix(ct, "text/plain") || ct == "" {
				data, err := io.ReadAll(part.Body)
				if err == nil {
					plainParts = append(plainParts, string(data))
				}
			} else if strings.HasPrefix(ct, "text/html") {
				data, err := io.ReadAll(part.Body)
				if err == nil {
					htmlParts = append(htmlParts, string(data))
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if filename == "" {
				filename = "attachment"
			}
			if ct == "" {
				ct = mime.TypeByExtension(filepath.Ext(filename))
			}
			m.Attachments = append(m.Attachments, RawAttachment{
				Filename:    filename,
				ContentType: ct,
				Data:        data,
			})
		}
	}
	m.PlainBody = strings.Join(plainParts, "\n\n")
	if m.PlainBody == "" && len(htmlParts) > 0 {
		m.PlainBody = stripHTMLTags(strings.Join(htmlParts, "\n\n"))
	}
	return m, nil
}

var htmlTagRe = regexp.MustCompile(`(?s)<[^>]*>`)

// stripHTMLTags is the HTML-only-body fallback: tags removed, whitespace
// collapsed. Good enough for prompt assembly; the raw HTML is never stored.
func stripHTMLTags(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}
