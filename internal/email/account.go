package email

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/config"
	"github.com/brandon/mailbar/internal/credential"
	"github.com/brandon/mailbar/internal/imap"
	"github.com/brandon/mailbar/internal/smtp"
)

// ErrAccountNotFound is returned for an account name that is not configured
var ErrAccountNotFound = errors.New("email: account not found")

// AccountManager resolves configured accounts and their secrets
type AccountManager struct {
	accounts map[string]*Account
	creds    credential.Store
}

// Account is a configured email account
type Account struct {
	Config *config.AccountConfig
}

// NewAccountManager creates a new account manager
func NewAccountManager(cfg *config.Config, creds credential.Store) *AccountManager {
	manager := &AccountManager{
		accounts: make(map[string]*Account, len(cfg.Accounts)),
		creds:    creds,
	}
	for i := range cfg.Accounts {
		accCfg := &cfg.Accounts[i]
		manager.accounts[accCfg.Name] = &Account{Config: accCfg}
	}
	return manager
}

// GetAccount returns an account by name
func (m *AccountManager) GetAccount(name string) (*Account, error) {
	account, exists := m.accounts[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	return account, nil
}

// ListAccounts returns all account names, sorted
func (m *AccountManager) ListAccounts() []string {
	names := make([]string, 0, len(m.accounts))
	for name := range m.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// secret reads the account's password or access token. It is resolved on
// every call so a rotated token is picked up without a restart.
func (m *AccountManager) secret(a *Account) (string, error) {
	secret, err := m.creds.Get(credential.AccountKey(a.Config.Name))
	if err != nil {
		return "", fmt.Errorf("failed to read credentials for %s: %w", a.Config.Name, err)
	}
	return secret, nil
}

func (a *Account) imapOptions(engine config.EngineConfig, logger *logrus.Logger) imap.Options {
	return imap.Options{
		Host:             a.Config.IMAPHost,
		Port:             a.Config.IMAPPort,
		TLS:              !a.Config.IMAPPlaintext,
		Timeout:          engine.CommandTimeout.Duration,
		MaxResponseBytes: engine.MaxResponseBytes,
		BatchSize:        engine.BatchSize,
		Logger:           logger,
	}
}

func (a *Account) imapCredentials(secret string) imap.Credentials {
	return imap.Credentials{
		Username: a.Config.IMAPUsername,
		Secret:   secret,
		OAuth2:   a.Config.OAuth2,
	}
}

func (a *Account) smtpOptions(engine config.EngineConfig, logger *logrus.Logger) smtp.Options {
	implicit := a.Config.SMTPPort == 465 && !a.Config.SMTPPlaintext
	return smtp.Options{
		Host:     a.Config.SMTPHost,
		Port:     a.Config.SMTPPort,
		TLS:      implicit,
		StartTLS: !implicit && !a.Config.SMTPPlaintext,
		Timeout:  engine.CommandTimeout.Duration,
		Logger:   logger,
	}
}

func (a *Account) smtpCredentials(secret string) smtp.Credentials {
	return smtp.Credentials{
		Username: a.Config.SMTPUsername,
		Secret:   secret,
		OAuth2:   a.Config.OAuth2,
	}
}
