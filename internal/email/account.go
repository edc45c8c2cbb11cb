// Package email implements the mail backend over IMAP and SMTP.
package email

import (
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
)

// Account pairs the IMAP mailbox and SMTP submission halves of an account
type Account struct {
	Config *config.AccountConfig
	IMAP   *IMAPBackend
	SMTP   *SMTPSubmitter
}

// NewAccount creates the IMAP and SMTP clients for acc. Nothing connects
// until the session calls Connect.
func NewAccount(acc *config.AccountConfig, timeouts config.Timeouts, logger *logrus.Logger) *Account {
	return &Account{
		Config: acc,
		IMAP:   NewIMAPBackend(acc, timeouts, logger),
		SMTP:   NewSMTPSubmitter(acc, timeouts, logger),
	}
}
