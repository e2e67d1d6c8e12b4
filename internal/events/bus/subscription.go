package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts a *nats.Subscription to the Subscription interface
// returned by NATSEventBus.Subscribe.
type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe detaches the handler from its subject on the server. Safe on a
// nil underlying subscription.
func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// IsValid reports whether the server-side subscription still delivers.
func (s *natsSubscription) IsValid() bool {
	if s.sub == nil {
		return false
	}
	return s.sub.IsValid()
}
