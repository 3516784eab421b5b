// Package mailer is the C10 email sender: resolves recipients, renders
// subject/body through the C9 template engine, attaches files fetched
// via C11, and submits the message over SMTP, logging every attempt.
package mailer

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tfp-event-fabric/fabric/pkg/attachment"
	"github.com/tfp-event-fabric/fabric/pkg/communication/email"
	"github.com/tfp-event-fabric/fabric/pkg/concurrency"
	"github.com/tfp-event-fabric/fabric/pkg/errors"
	"github.com/tfp-event-fabric/fabric/pkg/logger"
	"github.com/tfp-event-fabric/fabric/pkg/rendertemplate"
	"gorm.io/gorm"
)

// defaultSMTPConcurrency bounds how many SendWithMessageID calls may be
// in flight at once, independent of how many mapping/retry loops call
// into the same Mailer.
const defaultSMTPConcurrency = 4

// messageSender is the narrow capability mailer needs from the SMTP
// adapter: a send that returns the Message-Id the adapter stamped on the
// outgoing mail. Defined
// here (rather than depending on the concrete smtp.Sender type) so
// tests can supply a fake.
type messageSender interface {
	SendWithMessageID(ctx context.Context, msg *email.Message) (string, error)
}

// Config carries the footer text appended to every rendered body.
type Config struct {
	FooterHTML  string `env:"MAILER_FOOTER_HTML"`
	FooterPlain string `env:"MAILER_FOOTER_PLAIN"`
}

// RecipientRule is the subset of a C8 event mapping's flags that
// affect recipient resolution, passed in rather than importing the
// notify package's mapping type.
type RecipientRule struct {
	SingleMail         bool
	EmailListSpecified bool
	EmailSenderName    string
}

// DirectEmailRequest mirrors the directEmail mapping's
// parameters.{from, sender_name, to, cc, ccn, subject, body, is_html,
// attachments, delete_attachments} shape.
type DirectEmailRequest struct {
	From              string
	SenderName        string
	To                []string
	CC                []string
	BCC               []string
	Subject           string
	Body              string
	IsHTML            bool
	AttachmentIDs     []string
	DeleteAttachments bool
}

// Mailer implements C10 over an SMTP sender, a gorm handle for the
// send-log/template tables, and the C11 attachment client.
type Mailer struct {
	cfg       Config
	db        *gorm.DB
	sender    messageSender
	attach    attachment.Client
	smtpSlots *concurrency.Semaphore
}

func New(cfg Config, db *gorm.DB, sender messageSender, attach attachment.Client) *Mailer {
	return &Mailer{
		cfg:       cfg,
		db:        db,
		sender:    sender,
		attach:    attach,
		smtpSlots: concurrency.NewSemaphore(defaultSMTPConcurrency),
	}
}

// LoadTemplate looks up an email template by code. A missing row is
// reported as NotFound; the caller treats an inactive template the
// same way templates always do inside SendFromTemplate.
func (m *Mailer) LoadTemplate(ctx context.Context, code string) (*EmailTemplate, error) {
	var tmpl EmailTemplate
	err := m.db.WithContext(ctx).Where("code = ?", code).First(&tmpl).Error
	if err != nil {
		return nil, errors.NotFound("email template not found", err)
	}
	return &tmpl, nil
}

// SendFromTemplate renders tmpl against variables and sends it to the
// recipients resolved per rule. Returns the created send-log id.
func (m *Mailer) SendFromTemplate(ctx context.Context, tmpl *EmailTemplate, rule RecipientRule, variables map[string]interface{}, entityType, entityID, sentBy string) (int64, error) {
	if !tmpl.Active {
		return 0, errors.InvalidArgument("template is not active", nil)
	}

	to := m.resolveTemplateRecipients(tmpl, rule, variables)
	if len(to) == 0 {
		return 0, errors.InvalidArgument("no recipients resolved for template send", nil)
	}
	cc := splitAddressList(tmpl.CCList)
	bcc := splitAddressList(tmpl.BCCList)

	subject := rendertemplate.Render(tmpl.Subject, variables)
	htmlBody := rendertemplate.Render(tmpl.BodyHTML, variables)
	plainBody := rendertemplate.Render(tmpl.BodyPlain, variables)
	htmlBody = appendHTMLFooter(htmlBody, m.cfg.FooterHTML)
	plainBody = appendPlainFooter(plainBody, m.cfg.FooterPlain)

	senderName := rule.EmailSenderName
	if senderName == "" {
		senderName = tmpl.DefaultSenderName
	}

	logRow := &SendLog{
		EntityType:   entityType,
		EntityID:     entityID,
		TemplateCode: tmpl.Code,
		SentBy:       sentBy,
		ToAddresses:  strings.Join(to, ","),
		Subject:      subject,
		Status:       StatusPending,
	}
	if err := m.db.WithContext(ctx).Create(logRow).Error; err != nil {
		return 0, errors.Internal("failed to create send log", err)
	}

	msg := &email.Message{
		From:    senderName,
		To:      to,
		CC:      cc,
		BCC:     bcc,
		Subject: subject,
		Body:    email.Body{PlainText: plainBody, HTML: htmlBody},
	}

	if attachmentID, ok := variables["parameters"].(map[string]interface{}); ok {
		if id, _ := attachmentID["attachment_id"].(string); id != "" {
			if file, err := m.attach.Fetch(ctx, id); err != nil {
				logger.L().WarnContext(ctx, "optional template attachment failed to download, sending without it",
					"log_id", logRow.ID, "attachment_id", id, "error", err)
			} else {
				msg.Attachments = append(msg.Attachments, email.Attachment{
					Filename:    file.Filename,
					Content:     file.Bytes,
					ContentType: file.ContentType,
				})
			}
		}
	}

	m.dispatch(ctx, logRow, msg, nil)
	return logRow.ID, nil
}

// SendDirectEmail bypasses templates entirely, per the directEmail
// mapping option.
func (m *Mailer) SendDirectEmail(ctx context.Context, req DirectEmailRequest, originatingMessageID, sentBy string) (int64, error) {
	if len(req.To) == 0 {
		return 0, errors.InvalidArgument("direct email has no recipients", nil)
	}

	payload, _ := json.Marshal(req)
	logRow := &SendLog{
		EntityType:     "direct_email",
		OriginatingMsg: originatingMessageID,
		SentBy:         sentBy,
		ToAddresses:    strings.Join(req.To, ","),
		Subject:        req.Subject,
		Status:         StatusPending,
		DirectPayload:  string(payload),
	}
	if err := m.db.WithContext(ctx).Create(logRow).Error; err != nil {
		return 0, errors.Internal("failed to create send log", err)
	}

	msg := &email.Message{
		From:    req.SenderName,
		To:      req.To,
		CC:      req.CC,
		BCC:     req.BCC,
		Subject: req.Subject,
	}
	if req.From != "" {
		msg.From = req.From
	}
	if req.IsHTML {
		msg.Body.HTML = appendHTMLFooter(req.Body, m.cfg.FooterHTML)
	} else {
		msg.Body.PlainText = appendPlainFooter(req.Body, m.cfg.FooterPlain)
	}

	// Direct mode is all-or-nothing: every attachment id must resolve
	// before anything is sent.
	var attachments []email.Attachment
	for _, id := range req.AttachmentIDs {
		file, err := m.attach.Fetch(ctx, id)
		if err != nil {
			m.markFailed(ctx, logRow, errors.Wrap(err, "attachment download failed").Error())
			return logRow.ID, nil
		}
		attachments = append(attachments, email.Attachment{
			Filename:    file.Filename,
			Content:     file.Bytes,
			ContentType: file.ContentType,
		})
	}
	msg.Attachments = attachments

	var cleanup []string
	if req.DeleteAttachments {
		cleanup = req.AttachmentIDs
	}
	m.dispatch(ctx, logRow, msg, cleanup)
	return logRow.ID, nil
}

// dispatch submits msg, updates logRow's status, and runs post-send
// attachment cleanup when requested and the send succeeded.
func (m *Mailer) dispatch(ctx context.Context, logRow *SendLog, msg *email.Message, deleteAttachmentIDs []string) {
	if err := m.smtpSlots.Acquire(ctx, 1); err != nil {
		m.markFailed(ctx, logRow, err.Error())
		return
	}
	serverID, err := m.sender.SendWithMessageID(ctx, msg)
	m.smtpSlots.Release(1)
	if err != nil {
		m.markFailed(ctx, logRow, err.Error())
		return
	}

	logRow.Status = StatusSent
	logRow.ServerMessageID = serverID
	logRow.Attempts++
	if err := m.db.WithContext(ctx).Save(logRow).Error; err != nil {
		logger.L().ErrorContext(ctx, "failed to mark send log SENT", "log_id", logRow.ID, "error", err)
	}

	if len(deleteAttachmentIDs) > 0 {
		m.attach.Delete(ctx, deleteAttachmentIDs)
	}
}

func (m *Mailer) markFailed(ctx context.Context, logRow *SendLog, errText string) {
	logRow.Status = StatusFailed
	logRow.ErrorText = errText
	logRow.Attempts++
	if err := m.db.WithContext(ctx).Save(logRow).Error; err != nil {
		logger.L().ErrorContext(ctx, "failed to mark send log FAILED", "log_id", logRow.ID, "error", err)
	}
}

// RetryFailedEmails rescans logs in RETRY status with attempts below
// maxRetries and attempts a resend from the preserved direct payload.
// Only direct-mode sends are retryable this way; template sends are
// re-triggered by replaying the originating event, not from this scan.
func (m *Mailer) RetryFailedEmails(ctx context.Context, maxRetries int) error {
	var logs []SendLog
	if err := m.db.WithContext(ctx).
		Where("status = ? AND attempts < ?", StatusRetry, maxRetries).
		Find(&logs).Error; err != nil {
		return errors.Internal("failed to scan retry logs", err)
	}

	for i := range logs {
		row := &logs[i]
		if row.DirectPayload == "" {
			continue
		}
		var req DirectEmailRequest
		if err := json.Unmarshal([]byte(row.DirectPayload), &req); err != nil {
			logger.L().WarnContext(ctx, "retry log has unparseable payload, marking failed", "log_id", row.ID, "error", err)
			m.markFailed(ctx, row, "unparseable retry payload")
			continue
		}

		msg := &email.Message{From: req.From, To: req.To, CC: req.CC, BCC: req.BCC, Subject: req.Subject}
		if req.IsHTML {
			msg.Body.HTML = req.Body
		} else {
			msg.Body.PlainText = req.Body
		}

		if err := m.smtpSlots.Acquire(ctx, 1); err != nil {
			return errors.Internal("retry scan interrupted", err)
		}
		serverID, err := m.sender.SendWithMessageID(ctx, msg)
		m.smtpSlots.Release(1)
		if err != nil {
			row.Attempts++
			row.Status = StatusRetry
			row.ErrorText = err.Error()
			if row.Attempts >= maxRetries {
				row.Status = StatusFailed
			}
			m.db.WithContext(ctx).Save(row)
			continue
		}

		row.Status = StatusSent
		row.ServerMessageID = serverID
		row.Attempts++
		m.db.WithContext(ctx).Save(row)
	}
	return nil
}

// resolveTemplateRecipients applies the singleMail/emailListSpecified
// rules documented for C8's event mappings.
func (m *Mailer) resolveTemplateRecipients(tmpl *EmailTemplate, rule RecipientRule, variables map[string]interface{}) []string {
	params, _ := variables["parameters"].(map[string]interface{})

	if rule.SingleMail {
		if params != nil {
			if addr, _ := params["email"].(string); addr != "" {
				return []string{addr}
			}
		}
		return nil
	}

	if rule.EmailListSpecified {
		if params != nil {
			if raw, ok := params["email_list"].(string); ok && raw != "" {
				return splitAddressList(raw)
			}
			if raw, ok := params["email_list"].([]interface{}); ok {
				out := make([]string, 0, len(raw))
				for _, v := range raw {
					if s, ok := v.(string); ok && s != "" {
						out = append(out, s)
					}
				}
				return out
			}
		}
		return nil
	}

	return splitAddressList(tmpl.RecipientList)
}

func splitAddressList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendHTMLFooter(body, footer string) string {
	if footer == "" {
		return body
	}
	if idx := strings.LastIndex(strings.ToLower(body), "</body>"); idx != -1 {
		return body[:idx] + footer + body[idx:]
	}
	return body + footer
}

func appendPlainFooter(body, footer string) string {
	if footer == "" {
		return body
	}
	return body + "\n\n" + footer
}
