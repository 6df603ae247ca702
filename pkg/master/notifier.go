package master

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
)

// Notifier tells an operator about events that need a human: a freshly
// minted identity that must be deployed, or a worker presumed dead.
type Notifier interface {
	IdentityMinted(workerID string, artifactPath string)
	WorkerPresumedDead(workerID string, lastSeenMillis int64)
}

// MailNotifier sends notifications over SMTP. Send failures are logged and
// swallowed: notification is advisory and must never block a reconcile pass.
type MailNotifier struct {
	cfg    NotifyConfig
	logger logging.Logger

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewMailNotifier builds a notifier from config. Returns nil (disabled) when
// no SMTP host is configured.
func NewMailNotifier(cfg NotifyConfig, logger logging.Logger) *MailNotifier {
	if cfg.SMTPHost == "" {
		return nil
	}
	return &MailNotifier{cfg: cfg, logger: logger, send: smtp.SendMail}
}

// IdentityMinted implements Notifier.
func (n *MailNotifier) IdentityMinted(workerID, artifactPath string) {
	subject := fmt.Sprintf("fleet: new worker identity %s awaiting deployment", workerID)
	body := fmt.Sprintf(
		"A new worker identity was minted during reconciliation.\n\n"+
			"Worker ID: %s\nArtifact:  %s\n\n"+
			"Deploy the artifact to a host and start a fleet-agent against it.\n",
		workerID, artifactPath)
	n.deliver(subject, body)
}

// WorkerPresumedDead implements Notifier.
func (n *MailNotifier) WorkerPresumedDead(workerID string, lastSeenMillis int64) {
	subject := fmt.Sprintf("fleet: worker %s presumed dead", workerID)
	body := fmt.Sprintf(
		"Worker %s has not been heard from past the assume-dead threshold.\n"+
			"Last seen (unix millis): %d\n\n"+
			"Its partition has been handed to a replacement. Decommission the host\n"+
			"or restart its agent.\n",
		workerID, lastSeenMillis)
	n.deliver(subject, body)
}

func (n *MailNotifier) deliver(subject, body string) {
	to := strings.Split(n.cfg.To, ",")
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		n.cfg.From, n.cfg.To, subject, body)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.SMTPHost)
	}

	addr := n.cfg.SMTPHost + ":" + n.cfg.SMTPPort
	if err := n.send(addr, auth, n.cfg.From, to, []byte(msg)); err != nil {
		n.logger.Warn("failed to send operator notification",
			logging.String("subject", subject), logging.Error(err))
	}
}
