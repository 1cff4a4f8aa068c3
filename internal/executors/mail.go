package executors

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"

	"github.com/kalambet/commander/internal/storage"
)

// smtpDialTimeout is the maximum time to establish an SMTP connection.
const smtpDialTimeout = 30 * time.Second

// SMTPConfig holds SMTP server connection parameters for outbound email.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// StartTLS upgrades a plain connection (port 587). When false the
	// connection uses implicit TLS (port 465).
	StartTLS bool
	// From is the sender address, e.g. "Alice <alice@example.com>".
	From string
}

func (c SMTPConfig) configured() bool { return c.Host != "" && c.From != "" }

// Mail sends gmail_send_email actions over SMTP.
type Mail struct {
	cfg    SMTPConfig
	logger *slog.Logger
	send   func(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error
}

func NewMail(cfg SMTPConfig, logger *slog.Logger) *Mail {
	return &Mail{cfg: cfg, logger: logger, send: sendMail}
}

// Send composes the payload into a MIME message and delivers it.
func (m *Mail) Send(ctx context.Context, a storage.ProposedAction) (any, error) {
	if !m.cfg.configured() {
		return nil, ErrNotConfigured{Service: "smtp"}
	}
	opts, err := composeOptionsFromPayload(m.cfg.From, a.Payload)
	if err != nil {
		return nil, err
	}
	msg, messageID, err := ComposeMessage(opts)
	if err != nil {
		return nil, err
	}

	recipients := collectRecipients(opts.To, opts.Cc, opts.Bcc)
	if err := m.send(ctx, m.cfg, extractAddress(m.cfg.From), recipients, msg); err != nil {
		return nil, err
	}
	m.logger.Info("email sent", "action_id", a.ID, "recipients", len(recipients), "message_id", messageID)
	return map[string]any{
		"success":    true,
		"message_id": messageID,
		"recipients": recipients,
	}, nil
}

func composeOptionsFromPayload(from string, p map[string]any) (ComposeOptions, error) {
	to, err := requireString(p, "to_email")
	if err != nil {
		return ComposeOptions{}, err
	}
	subject, err := requireString(p, "subject")
	if err != nil {
		return ComposeOptions{}, err
	}
	opts := ComposeOptions{
		From:    from,
		To:      stringList(map[string]any{"to": to}, "to"),
		Cc:      stringList(p, "cc"),
		Bcc:     stringList(p, "bcc"),
		Subject: subject,
		Body:    stringArg(p, "body"),
	}
	if tid := stringArg(p, "thread_id"); tid != "" {
		opts.InReplyTo = strings.Trim(tid, "<>")
		opts.References = []string{opts.InReplyTo}
	}
	return opts, nil
}

// ComposeOptions holds everything needed to build a complete RFC 5322
// message. Body is markdown.
type ComposeOptions struct {
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	Body       string
	InReplyTo  string
	References []string
}

// ComposeMessage builds a multipart/alternative message with a text/plain
// and a text/html rendering of the markdown body. It returns the message and
// its generated Message-ID.
func ComposeMessage(opts ComposeOptions) ([]byte, string, error) {
	var buf bytes.Buffer
	var h mail.Header

	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generate message-id: %w", err)
	}
	messageID, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("read message-id: %w", err)
	}
	h.SetSubject(opts.Subject)

	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return nil, "", fmt.Errorf("parse from address %q: %w", opts.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	toAddrs, err := parseAddressList(opts.To)
	if err != nil {
		return nil, "", fmt.Errorf("parse to addresses: %w", err)
	}
	h.SetAddressList("To", toAddrs)

	if len(opts.Cc) > 0 {
		ccAddrs, err := parseAddressList(opts.Cc)
		if err != nil {
			return nil, "", fmt.Errorf("parse cc addresses: %w", err)
		}
		h.SetAddressList("Cc", ccAddrs)
	}

	if opts.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{opts.InReplyTo})
	}
	if len(opts.References) > 0 {
		h.SetMsgIDList("References", opts.References)
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, "", fmt.Errorf("create inline writer: %w", err)
	}

	htmlContent, err := markdownToHTML(opts.Body)
	if err != nil {
		return nil, "", fmt.Errorf("render markdown to HTML: %w", err)
	}
	parts := []struct{ contentType, body string }{
		{"text/plain; charset=utf-8", markdownToPlain(opts.Body)},
		{"text/html; charset=utf-8", htmlContent},
	}
	for _, part := range parts {
		var ih mail.InlineHeader
		ih.Set("Content-Type", part.contentType)
		pw, err := tw.CreatePart(ih)
		if err != nil {
			return nil, "", fmt.Errorf("create %s part: %w", part.contentType, err)
		}
		if _, err := io.WriteString(pw, part.body); err != nil {
			return nil, "", fmt.Errorf("write %s part: %w", part.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return nil, "", fmt.Errorf("close %s part: %w", part.contentType, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, "", fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func parseAddressList(addrs []string) ([]*mail.Address, error) {
	result := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		result = append(result, parsed)
	}
	return result, nil
}

func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String()), nil
}

var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

func markdownToPlain(md string) string {
	s := mdLink.ReplaceAllString(md, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// sendMail opens one SMTP connection per message, authenticates when
// credentials are set and delivers msg.
func sendMail(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error
	if cfg.StartTLS {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
	}
	if err != nil {
		return fmt.Errorf("dial SMTP %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create SMTP client on %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}
	return client.Quit()
}

// extractAddress returns the bare address of "Name <addr>" or "addr".
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, ">") {
		if start := strings.LastIndexByte(s, '<'); start >= 0 {
			return s[start+1 : len(s)-1]
		}
	}
	return s
}

// collectRecipients gathers the unique bare addresses of To, Cc and Bcc for
// RCPT TO.
func collectRecipients(to, cc, bcc []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, list := range [][]string{to, cc, bcc} {
		for _, addr := range list {
			bare := extractAddress(addr)
			if bare != "" && !seen[bare] {
				seen[bare] = true
				result = append(result, bare)
			}
		}
	}
	return result
}
