package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/mailerr"
)

// SMTPSubmitter submits messages over SMTP, one connection per message
type SMTPSubmitter struct {
	config   config.ServerConfig
	timeouts config.Timeouts
	logger   *logrus.Entry
}

var _ backend.Submitter = (*SMTPSubmitter)(nil)

// NewSMTPSubmitter creates a submitter for acc's SMTP server
func NewSMTPSubmitter(acc *config.AccountConfig, timeouts config.Timeouts, logger *logrus.Logger) *SMTPSubmitter {
	return &SMTPSubmitter{
		config:   acc.SMTP,
		timeouts: timeouts,
		logger:   logger.WithField("account", acc.ID),
	}
}

// Submit sends msg
func (s *SMTPSubmitter) Submit(ctx context.Context, cred auth.Credential, msg *backend.Outgoing) error {
	if len(msg.Recipients) == 0 {
		return &mailerr.ProtocolError{Op: "submit", Err: errors.New("no recipients")}
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return mailerr.Transport("smtp connect", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.timeouts.Command)
	if d, ok := ctx.Deadline(); ok && (s.timeouts.Command <= 0 || d.Before(deadline)) {
		deadline = d
	}
	if !deadline.IsZero() && deadline.After(time.Now()) {
		conn.SetDeadline(deadline) //nolint:errcheck
	}

	// Cancellation closes the socket so the pending command returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := s.send(conn, cred, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return mailerr.Transport("smtp", ctxErr)
		}
		return err
	}

	s.logger.WithField("recipients", len(msg.Recipients)).Info("Message submitted")
	return nil
}

func (s *SMTPSubmitter) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.timeouts.Connect}
	if s.config.TLS {
		td := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig()}
		return td.DialContext(ctx, "tcp", s.config.Addr())
	}
	return dialer.DialContext(ctx, "tcp", s.config.Addr())
}

func (s *SMTPSubmitter) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: s.config.Host, MinVersion: tls.VersionTLS12}
}

func (s *SMTPSubmitter) send(conn net.Conn, cred auth.Credential, msg *backend.Outgoing) error {
	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return classifySMTP("greeting", err)
	}
	defer client.Close()

	if !s.config.TLS && s.config.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return &mailerr.ProtocolError{Op: "starttls", Err: errors.New("server does not support STARTTLS")}
		}
		if err := client.StartTLS(s.tlsConfig()); err != nil {
			return classifySMTP("starttls", err)
		}
	}

	if ok, _ := client.Extension("AUTH"); ok {
		if err := client.Auth(cred.SMTPAuth(s.config.Host)); err != nil {
			var tpErr *textproto.Error
			if errors.As(err, &tpErr) && tpErr.Code >= 500 {
				return &mailerr.AuthError{Reason: mailerr.InvalidCredentials, Err: err}
			}
			return classifySMTP("auth", err)
		}
	}

	if err := client.Mail(msg.From); err != nil {
		return classifySMTP("mail from", err)
	}
	for _, rcpt := range msg.Recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return classifySMTP(fmt.Sprintf("rcpt to %s", rcpt), err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return classifySMTP("data", err)
	}
	if _, err := w.Write(msg.Raw); err != nil {
		return classifySMTP("data", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP("data", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.WithError(err).Debug("QUIT failed after successful submission")
	}
	return nil
}

// classifySMTP treats 4xx replies as transient and 5xx as rejections
func classifySMTP(op string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			return &mailerr.TransportError{Op: op, Err: err}
		}
		return &mailerr.ProtocolError{Op: op, Err: err}
	}
	return mailerr.Classify(op, err)
}
