package broadcast

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/HORNET-Storage/hornet-relay/lib/events"
	"github.com/HORNET-Storage/hornet-relay/lib/filter"
	"github.com/HORNET-Storage/hornet-relay/lib/logging"
)

// Handle is the transport side of a connection. Deliver must not block on
// the network; transports queue the frame and write it from their own goroutine.
type Handle interface {
	Deliver(subscriptionID string, ev *events.Event) error
}

type connection struct {
	handle        Handle
	subscriptions *xsync.MapOf[string, []*filter.Filter]
}

// Broadcaster maps connections to subscriptions to filters and fans accepted
// events out to every matching subscription.
type Broadcaster struct {
	connections *xsync.MapOf[string, *connection]
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		connections: xsync.NewMapOf[string, *connection](),
	}
}

func (b *Broadcaster) load(connID string) *connection {
	conn, _ := b.connections.LoadOrCompute(connID, func() *connection {
		return &connection{subscriptions: xsync.NewMapOf[string, []*filter.Filter]()}
	})
	return conn
}

// Attach registers the transport handle for connID
func (b *Broadcaster) Attach(connID string, handle Handle) {
	b.connections.Compute(connID, func(old *connection, loaded bool) (*connection, bool) {
		if loaded {
			return &connection{handle: handle, subscriptions: old.subscriptions}, false
		}
		return &connection{handle: handle, subscriptions: xsync.NewMapOf[string, []*filter.Filter]()}, false
	})
}

// Subscribe sets the filter list of a subscription, replacing any previous one
func (b *Broadcaster) Subscribe(connID string, subscriptionID string, filters []*filter.Filter) {
	b.load(connID).subscriptions.Store(subscriptionID, filters)
}

// Unsubscribe removes a subscription and reports whether it existed
func (b *Broadcaster) Unsubscribe(connID string, subscriptionID string) bool {
	conn, ok := b.connections.Load(connID)
	if !ok {
		return false
	}
	_, existed := conn.subscriptions.LoadAndDelete(subscriptionID)
	return existed
}

// Clear drops the connection and all of its subscriptions
func (b *Broadcaster) Clear(connID string) {
	b.connections.Delete(connID)
}

// Broadcast delivers ev to every subscription with a matching filter and
// returns the number of deliveries queued. A connection without a transport
// handle aborts the call; delivery errors are logged and skipped.
func (b *Broadcaster) Broadcast(ev *events.Event) int {
	delivered := 0
	aborted := false

	b.connections.Range(func(connID string, conn *connection) bool {
		if conn.subscriptions.Size() == 0 {
			return true
		}

		if conn.handle == nil {
			logging.Error("Broadcast aborted, connection has no transport handle", map[string]interface{}{
				"connection": connID,
				"event_id":   ev.ID,
			})
			aborted = true
			return false
		}

		conn.subscriptions.Range(func(subscriptionID string, filters []*filter.Filter) bool {
			if !filter.MatchesAny(filters, ev) {
				return true
			}

			if err := conn.handle.Deliver(subscriptionID, ev); err != nil {
				logging.Warn("Failed to deliver event", map[string]interface{}{
					"connection":   connID,
					"subscription": subscriptionID,
					"event_id":     ev.ID,
					"error":        err,
				})
				return true
			}

			delivered++
			return true
		})

		return true
	})

	if aborted {
		logging.Debugf("Broadcast of %s stopped after %d deliveries", ev.ID, delivered)
	}

	return delivered
}

// Connections returns the number of tracked connections
func (b *Broadcaster) Connections() int {
	return b.connections.Size()
}

// Subscriptions returns the number of subscriptions held by connID
func (b *Broadcaster) Subscriptions(connID string) int {
	conn, ok := b.connections.Load(connID)
	if !ok {
		return 0
	}
	return conn.subscriptions.Size()
}
