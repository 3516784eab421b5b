package mailer

import (
	"context"
	"testing"

	"github.com/tfp-event-fabric/fabric/pkg/attachment"
	"github.com/tfp-event-fabric/fabric/pkg/communication/email"
	"github.com/tfp-event-fabric/fabric/pkg/test"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeSender struct {
	messageID string
	err       error
	sent      []*email.Message
}

func (f *fakeSender) SendWithMessageID(ctx context.Context, msg *email.Message) (string, error) {
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return "", f.err
	}
	return f.messageID, nil
}

type noopAttachments struct{}

func (noopAttachments) Fetch(ctx context.Context, id string) (*attachment.File, error) {
	return &attachment.File{Bytes: []byte("data"), Filename: "f.txt", ContentType: "text/plain"}, nil
}
func (noopAttachments) Delete(ctx context.Context, ids []string) {}

type assertErr struct{}

func (assertErr) Error() string { return "smtp unavailable" }

type MailerSuite struct {
	test.Suite
	db *gorm.DB
}

func TestMailerSuite(t *testing.T) {
	test.Run(t, new(MailerSuite))
}

func (s *MailerSuite) SetupTest() {
	s.Suite.SetupTest()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	s.Require().NoError(err)
	s.Require().NoError(db.AutoMigrate(&EmailTemplate{}, &SendLog{}))
	s.db = db
}

func (s *MailerSuite) TestSendFromTemplateUsesDefaultRecipientList() {
	sender := &fakeSender{messageID: "<abc@host>"}
	m := New(Config{FooterPlain: "-- sent by fabric"}, s.db, sender, noopAttachments{})

	tmpl := &EmailTemplate{Code: "WELCOME", Active: true, Subject: "Hi {{name}}", BodyPlain: "Hello {{name}}", RecipientList: "a@x.com, b@x.com"}
	s.Require().NoError(s.db.Create(tmpl).Error)

	logID, err := m.SendFromTemplate(s.Ctx, tmpl, RecipientRule{}, map[string]interface{}{"name": "Ada"}, "order", "123", "system")
	s.Require().NoError(err)
	s.NotZero(logID)
	s.Require().Len(sender.sent, 1)
	s.Equal([]string{"a@x.com", "b@x.com"}, sender.sent[0].To)
	s.Contains(sender.sent[0].Body.PlainText, "Hello Ada")
	s.Contains(sender.sent[0].Body.PlainText, "sent by fabric")

	var saved SendLog
	s.Require().NoError(s.db.First(&saved, logID).Error)
	s.Equal(StatusSent, saved.Status)
	s.Equal("<abc@host>", saved.ServerMessageID)
}

func (s *MailerSuite) TestSendFromTemplateSingleMailOverridesRecipients() {
	sender := &fakeSender{messageID: "<id@host>"}
	m := New(Config{}, s.db, sender, noopAttachments{})

	tmpl := &EmailTemplate{Code: "ALERT", Active: true, Subject: "x", BodyPlain: "y", RecipientList: "default@x.com"}
	s.Require().NoError(s.db.Create(tmpl).Error)

	vars := map[string]interface{}{"parameters": map[string]interface{}{"email": "single@x.com"}}
	_, err := m.SendFromTemplate(s.Ctx, tmpl, RecipientRule{SingleMail: true}, vars, "order", "1", "system")
	s.Require().NoError(err)
	s.Equal([]string{"single@x.com"}, sender.sent[0].To)
}

func (s *MailerSuite) TestSendFromTemplateAppliesTemplateCCAndBCCRegardlessOfToRule() {
	sender := &fakeSender{messageID: "<cc@host>"}
	m := New(Config{}, s.db, sender, noopAttachments{})

	tmpl := &EmailTemplate{
		Code: "CC_TEST", Active: true, Subject: "x", BodyPlain: "y",
		RecipientList: "default@x.com",
		CCList:        "cc1@x.com, cc2@x.com",
		BCCList:       "bcc@x.com",
	}
	s.Require().NoError(s.db.Create(tmpl).Error)

	vars := map[string]interface{}{"parameters": map[string]interface{}{"email": "single@x.com"}}
	_, err := m.SendFromTemplate(s.Ctx, tmpl, RecipientRule{SingleMail: true}, vars, "order", "1", "system")
	s.Require().NoError(err)

	s.Require().Len(sender.sent, 1)
	s.Equal([]string{"single@x.com"}, sender.sent[0].To)
	s.Equal([]string{"cc1@x.com", "cc2@x.com"}, sender.sent[0].CC)
	s.Equal([]string{"bcc@x.com"}, sender.sent[0].BCC)
}

func (s *MailerSuite) TestSendFromTemplateInactiveTemplateRejected() {
	m := New(Config{}, s.db, &fakeSender{}, noopAttachments{})
	tmpl := &EmailTemplate{Code: "OLD", Active: false}
	_, err := m.SendFromTemplate(s.Ctx, tmpl, RecipientRule{}, nil, "order", "1", "system")
	s.Error(err)
}

func (s *MailerSuite) TestSendDirectEmailMarksFailedOnSendError() {
	sender := &fakeSender{err: assertErr{}}
	m := New(Config{}, s.db, sender, noopAttachments{})

	req := DirectEmailRequest{To: []string{"x@y.com"}, Subject: "hi", Body: "body"}
	logID, err := m.SendDirectEmail(s.Ctx, req, "ID:orig-1", "system")
	s.Require().NoError(err)

	var saved SendLog
	s.Require().NoError(s.db.First(&saved, logID).Error)
	s.Equal(StatusFailed, saved.Status)
}

func (s *MailerSuite) TestSendDirectEmailAbortsOnAttachmentFailure() {
	sender := &fakeSender{messageID: "<ok@host>"}
	m := New(Config{}, s.db, sender, failingAttachments{})

	req := DirectEmailRequest{To: []string{"x@y.com"}, Subject: "hi", Body: "body", AttachmentIDs: []string{"att-1"}}
	logID, err := m.SendDirectEmail(s.Ctx, req, "ID:orig-2", "system")
	s.Require().NoError(err)
	s.Empty(sender.sent)

	var saved SendLog
	s.Require().NoError(s.db.First(&saved, logID).Error)
	s.Equal(StatusFailed, saved.Status)
}

type failingAttachments struct{}

func (failingAttachments) Fetch(ctx context.Context, id string) (*attachment.File, error) {
	return nil, assertErr{}
}
func (failingAttachments) Delete(ctx context.Context, ids []string) {}
