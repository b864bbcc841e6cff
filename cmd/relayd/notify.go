package main

import (
	"github.com/orlyd/relayd/internal/logging"
	"github.com/orlyd/relayd/internal/nostrtype"
	"github.com/orlyd/relayd/internal/router"
)

// notifySink is the outbound notification sink callback; this
// standalone daemon has no notification UI collaborator wired up, so
// it logs the delivery instead. A real deployment replaces this with
// an HTTP POST (or platform notification call) to configuration.TargetURI.
func notifySink(n router.Notification) {
	logging.I.F(
		"notify: config=%s sub=%s uri=%s truncated=%v event=%s",
		n.Configuration.ID, n.SubscriptionID, n.URI, n.Truncated, n.Event.ID,
	)
}

// observabilitySink logs NOTICE/OK frames and discard signals; a real
// deployment forwards these to its metrics sink and log console
// (both out of scope for this standalone daemon).
type observabilitySink struct{}

func (observabilitySink) Notice(relayURL string, env nostrtype.NoticeEnvelope) {
	logging.W.F("notice from %s: %s", relayURL, env.Message)
}

func (observabilitySink) OK(relayURL string, env nostrtype.OKEnvelope) {
	logging.D.F("ok from %s: event=%s accepted=%v msg=%q", relayURL, env.EventID, env.Accepted, env.Message)
}

func (observabilitySink) Discard(relayURL, subscriptionID, reason string) {
	logging.T.F("discard %s/%s: %s", relayURL, subscriptionID, reason)
}
