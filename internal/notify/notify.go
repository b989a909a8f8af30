// Package notify implements the Notification Bus (§4.J): a thin relay
// from domain events to the Subscription Fan-out's broadcast sink.
package notify

import "gridbot/internal/fanout"

// Broadcaster is the one fanout.Fanout method this package depends on,
// kept narrow so notify never needs fanout's subscription internals.
type Broadcaster interface {
	BroadcastAll(msg fanout.Message)
}

// Bus relays notifications to every currently connected client, per §4.J:
// "invokes the Fan-out broadcast with {type=notification, notification_type,
// bot_id, payload}." Constructed once at startup and passed to whatever
// needs to emit notifications, rather than reached as a package singleton —
// per the redesign note in DESIGN.md turning the source's class-level bus
// into an explicit dependency.
type Bus struct {
	broadcaster Broadcaster
}

// New wires Bus to the Fan-out's broadcast sink.
func New(broadcaster Broadcaster) *Bus {
	return &Bus{broadcaster: broadcaster}
}

// notification is the outbound payload shape of §6.
type notification struct {
	NotificationType string      `json:"notification_type"`
	Payload          interface{} `json:"payload"`
}

// Send relays a notification to every connected client.
func (b *Bus) Send(notificationType string, botID int64, payload interface{}) {
	b.broadcaster.BroadcastAll(fanout.Message{
		Type:  "notification",
		BotID: botID,
		Payload: notification{
			NotificationType: notificationType,
			Payload:          payload,
		},
	})
}
