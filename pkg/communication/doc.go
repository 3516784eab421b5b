/*
Package communication provides messaging and notification services.

Subpackages:

  - email: Email delivery (memory and SMTP adapters)
  - template: Message templating (memory adapter)

Usage:

	import (
		"github.com/tfp-event-fabric/fabric/pkg/communication/email"
		"github.com/tfp-event-fabric/fabric/pkg/communication/email/adapters/smtp"
	)

	sender, err := smtp.New(cfg)
	err = sender.Send(ctx, &email.Message{To: []string{"user@example.com"}, Subject: "Hello"})
*/
package communication
