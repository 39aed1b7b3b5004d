package pe

import (
	"github.com/backkem/midi2ci/pkg/hub"
)

// Notification is a single PE Notify delivery for a live subscription.
type Notification struct {
	Header []byte
	Body   []byte
}

// Subscription is a live PE subscription. It survives the request ID
// that created it: Notify messages are routed by subscription ID, not
// by request ID, per spec §4.3.
type Subscription struct {
	ID       string
	Resource string

	engine *Engine
	events *hub.Hub[Notification]
}

// Events returns a new receive handle on this subscription's
// notification stream. A new subscriber only observes notifications
// produced after it subscribes.
func (s *Subscription) Events() *hub.Subscription[Notification] {
	return s.events.Subscribe()
}
