package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string
}

type dialResult struct {
	sc  gomail.SendCloser
	err error
}

// Send dials the server for each message. gomail has no context support, so
// ctx is checked at two points. If it ends while dialing, the connection is
// closed without handing over the message. If it ends once the message has
// been handed over, Send returns ctx.Err() but the server may still accept
// it; the caller then retries and the recipient can get a second copy.
func (s *SMTPTransport) Send(ctx context.Context, msg Message) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}

	id := messageID(msg.From)

	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", id)
	m.SetBody("text/plain", msg.Text)
	m.AddAlternative("text/html", msg.htmlBody())

	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)

	dialed := make(chan dialResult, 1)
	go func() {
		sc, err := d.Dial()
		dialed <- dialResult{sc: sc, err: err}
	}()

	var sc gomail.SendCloser
	select {
	case <-ctx.Done():
		go hangUp(dialed)
		return "", ctx.Err()
	case r := <-dialed:
		if r.err != nil {
			return "", fmt.Errorf("smtp dial error: %w", r.err)
		}
		sc = r.sc
	}
	if err := ctx.Err(); err != nil {
		_ = sc.Close()
		return "", err
	}

	sent := make(chan error, 1)
	go func() {
		err := gomail.Send(sc, m)
		_ = sc.Close()
		sent <- err
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-sent:
		if err != nil {
			return "", fmt.Errorf("smtp send error: %w", err)
		}
		return id, nil
	}
}

// hangUp closes a connection whose dial outlived the caller.
func hangUp(dialed <-chan dialResult) {
	if r := <-dialed; r.err == nil {
		_ = r.sc.Close()
	}
}

func messageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 {
		domain = strings.TrimRight(from[at+1:], ">")
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}
