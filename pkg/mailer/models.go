package mailer

import "time"

// SendStatus is the lifecycle of an email send-log row.
type SendStatus string

const (
	StatusPending SendStatus = "PENDING"
	StatusSent    SendStatus = "SENT"
	StatusFailed  SendStatus = "FAILED"
	StatusRetry   SendStatus = "RETRY"
)

// EmailTemplate is a configured, named HTML/plain-text body pair
// resolved by template code and rendered through the C9 engine.
type EmailTemplate struct {
	ID               int64  `gorm:"primaryKey;column:id"`
	Code             string `gorm:"column:code;uniqueIndex"`
	Active           bool   `gorm:"column:active"`
	Subject          string `gorm:"column:subject"`
	BodyHTML         string `gorm:"column:body_html"`
	BodyPlain        string `gorm:"column:body_plain"`
	DefaultSenderName string `gorm:"column:default_sender_name"`
	RecipientList    string `gorm:"column:recipient_list"` // comma-separated default To
	CCList           string `gorm:"column:cc_list"`        // comma-separated default Cc
	BCCList          string `gorm:"column:bcc_list"`       // comma-separated default Bcc
}

func (EmailTemplate) TableName() string { return "evt_email_templates" }

// SendLog records the outcome of a single attempted email send, direct
// or template-driven, for audit and for the retry scan.
type SendLog struct {
	ID             int64      `gorm:"primaryKey;column:id"`
	EntityType     string     `gorm:"column:entity_type"`
	EntityID       string     `gorm:"column:entity_id"`
	TemplateCode   string     `gorm:"column:template_code"`
	OriginatingMsg string     `gorm:"column:originating_message_id"`
	SentBy         string     `gorm:"column:sent_by"`
	ToAddresses    string     `gorm:"column:to_addresses"`
	Subject        string     `gorm:"column:subject"`
	Status         SendStatus `gorm:"column:status"`
	ServerMessageID string    `gorm:"column:server_message_id"`
	ErrorText      string     `gorm:"column:error_text"`
	Attempts       int        `gorm:"column:attempts"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`

	// DirectPayload is the serialized request for logs created by
	// SendDirectEmail, preserved so retryFailedEmails can reconstruct
	// and resend it without the template/variables context.
	DirectPayload string `gorm:"column:direct_payload"`
}

func (SendLog) TableName() string { return "evt_email_send_logs" }
