package backend

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/brandon/mailsync/pkg/types"
)

// ParseMessage parses a raw RFC 5322 message into headers, text and HTML
// bodies and attachment metadata. When a message has only HTML, the text
// body is enmime's rendering of it.
func ParseMessage(raw []byte) (*types.Email, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	e := &types.Email{
		MessageID: strings.TrimSpace(env.GetHeader("Message-Id")),
		Subject:   env.GetHeader("Subject"),
		BodyText:  env.Text,
		BodyHTML:  env.HTML,
		HasBody:   true,
		Size:      int64(len(raw)),
	}
	if from, err := env.AddressList("From"); err == nil && len(from) > 0 {
		e.From = fromMail(from[0])
	}
	if to, err := env.AddressList("To"); err == nil {
		e.To = fromMailList(to)
	}
	if cc, err := env.AddressList("Cc"); err == nil {
		e.Cc = fromMailList(cc)
	}
	if date, err := env.Date(); err == nil {
		e.Date = date.UTC()
	} else {
		e.Date = time.Now().UTC()
	}
	e.Attachments = Attachments(env)
	return e, nil
}

// Attachments lists attached and inline non-text parts
func Attachments(env *enmime.Envelope) []types.Attachment {
	var out []types.Attachment
	for _, parts := range [][]*enmime.Part{env.Attachments, env.Inlines} {
		for _, p := range parts {
			out = append(out, types.Attachment{
				Filename:    p.FileName,
				ContentType: p.ContentType,
				Size:        int64(len(p.Content)),
			})
		}
	}
	return out
}

func fromMail(a *mail.Address) types.Address {
	return types.Address{Name: a.Name, Email: a.Address}
}

func fromMailList(in []*mail.Address) []types.Address {
	out := make([]types.Address, 0, len(in))
	for _, a := range in {
		out = append(out, fromMail(a))
	}
	return out
}
