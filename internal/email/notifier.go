package email

//go:generate mockgen -destination=mocks/notifier.go -package=mocks . Notifier

import (
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/logging"
	"github.com/brandon/mailbar/pkg/types"
)

// Notifier receives unread messages that a fetch found for the first time.
// It is not called for the first fetch of a folder.
type Notifier interface {
	NewMessages(account, folder string, msgs []types.Message)
}

// LogNotifier reports new messages to the log
type LogNotifier struct {
	logger *logrus.Entry
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.For(logger, logging.ComponentManager)}
}

func (n *LogNotifier) NewMessages(account, folder string, msgs []types.Message) {
	for _, msg := range msgs {
		n.logger.WithFields(logrus.Fields{
			"account": account,
			"folder":  folder,
			"uid":     msg.UID,
			"from":    logging.MaskEmail(msg.FromEmail),
		}).Info("New message")
	}
}
