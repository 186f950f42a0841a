package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

// Email sends messages over SMTP. To is the recipient address.
type Email struct {
	client  *mail.Client
	from    string
	subject string
}

// NewEmail dials an SMTP relay with basic auth. subject is used as the
// fixed subject line for every message this channel sends — "send a
// message" over SMTP has no separate subject field in the channel.send
// contract.
func NewEmail(host string, port int, username, password, from, subject string) (*Email, error) {
	client, err := mail.NewClient(host,
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(username),
		mail.WithPassword(password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return nil, fmt.Errorf("email: new client: %w", err)
	}
	if subject == "" {
		subject = "Notification"
	}
	return &Email{client: client, from: from, subject: subject}, nil
}

func (e *Email) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	m := mail.NewMsg()
	if err := m.From(e.from); err != nil {
		return DeliveryResult{}, fmt.Errorf("email: from: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return DeliveryResult{}, fmt.Errorf("email: to %q: %w", msg.To, err)
	}
	m.Subject(e.subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Text)

	if err := e.client.DialAndSendWithContext(ctx, m); err != nil {
		return DeliveryResult{}, Temporary(fmt.Errorf("email: send: %w", err))
	}

	return DeliveryResult{DeliveredAt: time.Now().UTC()}, nil
}

// Logout is a no-op: an SMTP relay has no persistent session to tear down
// beyond the per-send connection go-mail already manages.
func (e *Email) Logout(ctx context.Context) error {
	return nil
}
