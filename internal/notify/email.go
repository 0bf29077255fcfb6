package notify

import (
	"fmt"
	"net/smtp"

	"github.com/rs/zerolog"
)

// EmailMirror is a best-effort secondary alert channel built on net/smtp
// directly — see DESIGN.md for the stdlib justification.
type EmailMirror struct {
	addr     string // "smtp.host:587"
	auth     smtp.Auth
	from     string
	to       []string
	log      zerolog.Logger
	disabled bool
}

// NewEmailMirror returns a disabled mirror if host is empty, so callers
// can always construct one and call SendCritical unconditionally.
func NewEmailMirror(host, port, username, password, from string, to []string, log zerolog.Logger) *EmailMirror {
	if host == "" || len(to) == 0 {
		return &EmailMirror{disabled: true, log: log}
	}
	return &EmailMirror{
		addr: host + ":" + port,
		auth: smtp.PlainAuth("", username, password, host),
		from: from,
		to:   to,
		log:  log.With().Str("component", "notify.email").Logger(),
	}
}

// SendCritical mirrors a severe alert by email, best-effort. Failures are
// logged, never escalated further (this is already the last-resort
// channel).
func (m *EmailMirror) SendCritical(subject, body string) {
	if m == nil || m.disabled {
		return
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.from, m.to[0], subject, body)
	if err := smtp.SendMail(m.addr, m.auth, m.from, m.to, []byte(msg)); err != nil {
		m.log.Warn().Err(err).Msg("failed to send mirror email")
	}
}
