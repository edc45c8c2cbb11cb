package backend

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/brandon/mailsync/pkg/types"
)

// Draft is a message to compose
type Draft struct {
	From      types.Address
	To        []types.Address
	Cc        []types.Address
	Bcc       []types.Address
	Subject   string
	Text      string
	HTML      string
	InReplyTo string
	Date      time.Time
}

// Recipients returns every envelope recipient including Bcc
func (d *Draft) Recipients() []string {
	var out []string
	for _, list := range [][]types.Address{d.To, d.Cc, d.Bcc} {
		for _, a := range list {
			out = append(out, a.Email)
		}
	}
	return out
}

func toMailAddrs(in []types.Address) []*mail.Address {
	out := make([]*mail.Address, len(in))
	for i, a := range in {
		out[i] = &mail.Address{Name: a.Name, Address: a.Email}
	}
	return out
}

// Compose renders d as RFC 5322, appending signature to the text body
func Compose(d *Draft, signature string) (*Outgoing, error) {
	if d.From.Email == "" {
		return nil, errors.New("missing sender")
	}
	recipients := d.Recipients()
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}

	text := d.Text
	if signature != "" {
		text = strings.TrimRight(text, "\r\n") + "\r\n\r\n-- \r\n" + signature + "\r\n"
	}
	date := d.Date
	if date.IsZero() {
		date = time.Now()
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", toMailAddrs([]types.Address{d.From}))
	h.SetAddressList("To", toMailAddrs(d.To))
	if len(d.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddrs(d.Cc))
	}
	h.SetSubject(d.Subject)
	domain := d.From.Email[strings.LastIndex(d.From.Email, "@")+1:]
	msgID := uuid.NewString() + "@" + domain
	h.SetMessageID(msgID)
	if d.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{strings.Trim(d.InReplyTo, "<>")})
		h.SetMsgIDList("References", []string{strings.Trim(d.InReplyTo, "<>")})
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create body: %w", err)
	}
	if err := writePart(tw, "text/plain", text); err != nil {
		return nil, err
	}
	if d.HTML != "" {
		if err := writePart(tw, "text/html", d.HTML); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}

	return &Outgoing{MessageID: "<" + msgID + ">", From: d.From.Email, Recipients: recipients, Raw: buf.Bytes()}, nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}
