package smtp

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/tfp-event-fabric/fabric/pkg/communication/email"
	"github.com/tfp-event-fabric/fabric/pkg/errors"
	"github.com/tfp-event-fabric/fabric/pkg/validator"
)

// Sender implements email.Sender for SMTP, building proper RFC 5322
// MIME messages (multipart/alternative for HTML+plain bodies,
// multipart/mixed around attachments) since no MIME-building library
// is available anywhere in the dependency set.
type Sender struct {
	host     string
	port     string
	username string
	password string
	useTLS   bool
}

// New creates a new SMTP sender. The concrete return type exposes
// SendWithMessageID in addition to the email.Sender interface, for
// callers (the mailer) that need the generated Message-Id back.
func New(cfg email.Config) (*Sender, error) {
	if err := validator.New().ValidateStruct(cfg); err != nil {
		return nil, errors.InvalidArgument("invalid config", err)
	}

	return &Sender{
		host:     cfg.SMTPHost,
		port:     fmt.Sprintf("%d", cfg.SMTPPort),
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		useTLS:   cfg.SMTPTLS,
	}, nil
}

// Send implements email.Sender. It returns only the submission error;
// the Message-ID this sender generates and attaches to the outgoing
// headers is discarded (use SendWithMessageID to obtain it), since
// net/smtp's DATA command does not surface a server message id.
func (s *Sender) Send(ctx context.Context, msg *email.Message) error {
	_, err := s.send(ctx, msg)
	return err
}

// SendWithMessageID behaves like Send but also returns the Message-ID
// header value this sender stamped on the outgoing mail, for callers
// that need to record it against a send log.
func (s *Sender) SendWithMessageID(ctx context.Context, msg *email.Message) (string, error) {
	return s.send(ctx, msg)
}

func (s *Sender) send(ctx context.Context, msg *email.Message) (string, error) {
	if len(msg.To) == 0 {
		return "", errors.InvalidArgument("message has no recipients", nil)
	}

	messageID := fmt.Sprintf("<%s@%s>", idempotencyToken(msg), s.host)
	raw, err := buildMIMEMessage(msg, messageID)
	if err != nil {
		return "", errors.Internal("failed to build mime message", err)
	}

	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	recipients := append(append(append([]string{}, msg.To...), msg.CC...), msg.BCC...)

	if err := s.sendRaw(addr, auth, msg.From, recipients, raw); err != nil {
		return "", errors.Internal("failed to send email via smtp", err)
	}

	return messageID, nil
}

func (s *Sender) sendRaw(addr string, auth smtp.Auth, from string, to []string, body []byte) error {
	if !s.useTLS {
		return smtp.SendMail(addr, auth, from, to, body)
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.host})
	if err != nil {
		// Fall back to STARTTLS over a plain connection for servers that
		// don't offer implicit TLS on this port.
		return sendStartTLS(addr, s.host, auth, from, to, body)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return err
	}
	defer client.Close()

	return deliver(client, auth, from, to, body)
}

func sendStartTLS(addr, host string, auth smtp.Auth, from string, to []string, body []byte) error {
	client, err := smtp.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	return deliver(client, auth, from, to, body)
}

func deliver(client *smtp.Client, auth smtp.Auth, from string, to []string, body []byte) error {
	if auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return err
			}
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, addr := range to {
		if err := client.Rcpt(addr); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// buildMIMEMessage assembles the RFC 5322 headers and body. Bodies with
// both plain text and HTML are wrapped as multipart/alternative; any
// attachments wrap that (or a single-part body) in multipart/mixed.
func buildMIMEMessage(msg *email.Message, messageID string) ([]byte, error) {
	var buf bytes.Buffer

	headers := textproto.MIMEHeader{}
	headers.Set("From", msg.From)
	headers.Set("To", strings.Join(msg.To, ", "))
	if len(msg.CC) > 0 {
		headers.Set("Cc", strings.Join(msg.CC, ", "))
	}
	if msg.ReplyTo != "" {
		headers.Set("Reply-To", msg.ReplyTo)
	}
	headers.Set("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	headers.Set("MIME-Version", "1.0")
	headers.Set("Message-Id", messageID)

	if len(msg.Attachments) == 0 {
		writeHeaders(&buf, headers)
		return writeAlternativeBody(buf.Bytes(), msg)
	}

	bodyWriter := multipart.NewWriter(&buf)
	headers.Set("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", bodyWriter.Boundary()))
	writeHeaders(&buf, headers)

	altBuf := &bytes.Buffer{}
	altPart, err := writeAlternativePart(altBuf, msg)
	if err != nil {
		return nil, err
	}

	bodyPart, err := bodyWriter.CreatePart(textproto.MIMEHeader{
		"Content-Type": {altPart},
	})
	if err != nil {
		return nil, err
	}
	if _, err := bodyPart.Write(altBuf.Bytes()); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		if err := writeAttachmentPart(bodyWriter, att); err != nil {
			return nil, err
		}
	}
	if err := bodyWriter.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func writeHeaders(buf *bytes.Buffer, headers textproto.MIMEHeader) {
	for _, key := range []string{"From", "To", "Cc", "Reply-To", "Subject", "MIME-Version", "Message-Id", "Content-Type"} {
		if v := headers.Get(key); v != "" {
			fmt.Fprintf(buf, "%s: %s\r\n", key, v)
		}
	}
	buf.WriteString("\r\n")
}

// writeAlternativeBody is the no-attachments path: headers already
// written by the caller carry no Content-Type, so this appends
// the alternative multipart's own Content-Type and body inline.
func writeAlternativeBody(headerBytes []byte, msg *email.Message) ([]byte, error) {
	altBuf := &bytes.Buffer{}
	contentType, err := writeAlternativePart(altBuf, msg)
	if err != nil {
		return nil, err
	}

	out := &bytes.Buffer{}
	out.Write(headerBytes[:len(headerBytes)-2]) // drop the blank-line separator, re-add below with Content-Type
	fmt.Fprintf(out, "Content-Type: %s\r\n\r\n", contentType)
	out.Write(altBuf.Bytes())
	return out.Bytes(), nil
}

// writeAlternativePart writes a multipart/alternative body (plain text
// and/or HTML) into w and returns its Content-Type header value. If
// only one of the two is present, it is written as that single part's
// own content type instead of wrapping a single-child alternative.
func writeAlternativePart(w *bytes.Buffer, msg *email.Message) (string, error) {
	hasPlain := msg.Body.PlainText != ""
	hasHTML := msg.Body.HTML != ""

	if hasPlain && !hasHTML {
		w.WriteString(msg.Body.PlainText)
		return "text/plain; charset=utf-8", nil
	}
	if hasHTML && !hasPlain {
		w.WriteString(msg.Body.HTML)
		return "text/html; charset=utf-8", nil
	}

	mw := multipart.NewWriter(w)
	if hasPlain {
		part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
		if err != nil {
			return "", err
		}
		part.Write([]byte(msg.Body.PlainText))
	}
	if hasHTML {
		part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=utf-8"}})
		if err != nil {
			return "", err
		}
		part.Write([]byte(msg.Body.HTML))
	}
	mw.Close()
	return fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary()), nil
}

func writeAttachmentPart(w *multipart.Writer, att email.Attachment) error {
	disposition := "attachment"
	headers := textproto.MIMEHeader{}
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	headers.Set("Content-Type", contentType)
	headers.Set("Content-Transfer-Encoding", "base64")
	if att.Inline {
		disposition = "inline"
		if att.ContentID != "" {
			headers.Set("Content-Id", fmt.Sprintf("<%s>", att.ContentID))
		}
	}
	headers.Set("Content-Disposition", fmt.Sprintf(`%s; filename=%q`, disposition, att.Filename))

	part, err := w.CreatePart(headers)
	if err != nil {
		return err
	}
	_, err = part.Write(base64Lines(att.Content))
	return err
}

// base64Lines encodes data as base64 wrapped at the 76-column line
// length required by RFC 2045.
func base64Lines(data []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(data)
	var out bytes.Buffer
	for i := 0; i < len(enc); i += 76 {
		end := i + 76
		if end > len(enc) {
			end = len(enc)
		}
		out.WriteString(enc[i:end])
		out.WriteString("\r\n")
	}
	return out.Bytes()
}

// idempotencyToken generates the local-part of the Message-Id header.
// net/smtp's DATA command never surfaces a server-assigned message id,
// so this sender mints its own per RFC 5322 §3.6.4.
func idempotencyToken(msg *email.Message) string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return strings.NewReplacer(" ", "-", "\n", "").Replace(msg.Subject)
	}
	return hex.EncodeToString(buf)
}

// SendBatch implements email.Sender.
func (s *Sender) SendBatch(ctx context.Context, msgs []*email.Message) error {
	for _, msg := range msgs {
		if err := s.Send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Close implements email.Sender.
func (s *Sender) Close() error {
	return nil
}
