package email

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/logging"
	"github.com/brandon/mailbar/internal/smtp"
)

// Send sends a message from the account. From and FromName default to the
// account's address and display name.
func (m *Manager) Send(ctx context.Context, account string, msg smtp.OutgoingMessage) (string, error) {
	acc, err := m.accounts.GetAccount(account)
	if err != nil {
		return "", err
	}
	if acc.Config.SMTPHost == "" {
		return "", fmt.Errorf("%w: no SMTP host configured for %s", smtp.ErrSendFailed, account)
	}
	if msg.From == "" {
		msg.From = acc.Config.Email
	}
	if msg.FromName == "" {
		msg.FromName = acc.Config.DisplayName
	}

	secret, err := m.accounts.secret(acc)
	if err != nil {
		return "", err
	}

	messageID, err := smtp.SendMail(ctx, acc.smtpOptions(m.cfg.Engine, m.baseLogger), acc.smtpCredentials(secret), msg)
	if err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"account":    account,
		"mode":       msg.Mode,
		"recipients": len(msg.Recipients()),
		"from":       logging.MaskEmail(msg.From),
	}).Info("Sent email")
	return messageID, nil
}
