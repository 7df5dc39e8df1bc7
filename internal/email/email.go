// Package email delivers rendered messages through SMTP or the Postmark API.
package email

import (
	"context"
	"errors"
	"html"
	"strings"
)

var ErrInvalidMessage = errors.New("email: invalid message")

// Message is one outbound email. HTML is derived from Text when empty.
type Message struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

func (m Message) validate() error {
	if m.From == "" {
		return errors.Join(ErrInvalidMessage, errors.New("from is required"))
	}
	if m.To == "" {
		return errors.Join(ErrInvalidMessage, errors.New("to is required"))
	}
	return nil
}

func (m Message) htmlBody() string {
	if m.HTML != "" {
		return m.HTML
	}
	return TextToHTML(m.Text)
}

// Transport hands a message to a mail provider and returns the provider's
// message id.
type Transport interface {
	Send(ctx context.Context, msg Message) (string, error)
}

var newlines = strings.NewReplacer("\r\n", "<br>", "\n", "<br>")

// TextToHTML escapes text and turns line breaks into <br>.
func TextToHTML(text string) string {
	return newlines.Replace(html.EscapeString(text))
}
