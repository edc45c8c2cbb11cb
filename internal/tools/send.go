package tools

import (
	"context"
	"fmt"

	"github.com/brandon/mailsync/internal/backend"
)

// SendEmailTool sends a new email from an account
type SendEmailTool struct {
	deps *Deps
}

// Name returns the tool name
func (t *SendEmailTool) Name() string {
	return "send_email"
}

// Description returns the tool description
func (t *SendEmailTool) Description() string {
	return "Send a new email with text or HTML body, CC and BCC. Messages that cannot reach the server are queued."
}

// InputSchema returns the JSON schema for tool inputs
func (t *SendEmailTool) InputSchema() map[string]interface{} {
	recipients := func(desc string) map[string]interface{} {
		return map[string]interface{}{
			"type":        []string{"string", "array"},
			"items":       map[string]interface{}{"type": "string"},
			"description": desc,
		}
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountProperty,
			"to":         recipients("Recipient address(es), array or comma-separated"),
			"cc":         recipients("Optional: CC recipients"),
			"bcc":        recipients("Optional: BCC recipients"),
			"subject": map[string]interface{}{
				"type":        "string",
				"description": "Email subject",
			},
			"body_text": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Plain text body",
			},
			"body_html": map[string]interface{}{
				"type":        "string",
				"description": "Optional: HTML body",
			},
			"in_reply_to": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Message-ID this is a reply to",
			},
		},
		"required": []string{"to", "subject"},
	}
}

// Execute executes the tool
func (t *SendEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acc, err := t.deps.account(params)
	if err != nil {
		return nil, err
	}
	subject, err := requiredString(params, "subject")
	if err != nil {
		return nil, err
	}

	d := &backend.Draft{
		Subject:   subject,
		Text:      stringParam(params, "body_text"),
		HTML:      stringParam(params, "body_html"),
		InReplyTo: stringParam(params, "in_reply_to"),
	}
	if d.Text == "" && d.HTML == "" {
		return nil, fmt.Errorf("either body_text or body_html is required")
	}
	if d.To, err = addressesParam(params, "to"); err != nil {
		return nil, err
	}
	if len(d.To) == 0 {
		return nil, fmt.Errorf("to is required")
	}
	if d.Cc, err = addressesParam(params, "cc"); err != nil {
		return nil, err
	}
	if d.Bcc, err = addressesParam(params, "bcc"); err != nil {
		return nil, err
	}

	sess, err := t.deps.Accounts.Session(acc.ID)
	if err != nil {
		return nil, err
	}
	res, err := sess.Send(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("failed to send email: %w", err)
	}

	message := "Email sent successfully"
	if res.Queued {
		message = "Server unreachable, email queued for delivery"
	}
	return map[string]interface{}{
		"success":    true,
		"message_id": res.MessageID,
		"queued":     res.Queued,
		"message":    message,
	}, nil
}
