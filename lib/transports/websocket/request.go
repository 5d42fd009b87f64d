package websocket

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/hornet-relay/lib/logging"
)

const maxSubscriptionIDLength = 64

// handleReqMessage registers the subscription, then answers with the stored
// matches followed by EOSE. Registering first means no event accepted during
// the query is missed.
func (s *Server) handleReqMessage(ctx context.Context, conn *connection, args []jsoniter.RawMessage) {
	if len(args) == 0 {
		conn.send(nostr.NoticeEnvelope("error: REQ needs a subscription id"))
		return
	}

	id, ok := subscriptionID(args[0])
	if !ok {
		conn.send(nostr.NoticeEnvelope("error: invalid subscription id"))
		return
	}

	filters, err := s.relay.ParseFilters(args[1:])
	if err != nil {
		conn.send(nostr.ClosedEnvelope{SubscriptionID: id, Reason: err.Error()})
		return
	}

	broadcaster := s.relay.Broadcaster()
	if broadcaster != nil {
		broadcaster.Subscribe(conn.id, id, filters)
	}

	found, err := s.relay.Query(ctx, filters)
	if err != nil {
		logging.Error("Subscription query failed", map[string]interface{}{
			"subscription": id,
			"error":        err,
		})
		if broadcaster != nil {
			broadcaster.Unsubscribe(conn.id, id)
		}
		conn.send(nostr.ClosedEnvelope{SubscriptionID: id, Reason: "error: query failed"})
		return
	}

	for _, ev := range found {
		conn.send(nostr.EventEnvelope{SubscriptionID: &id, Event: ev.Event})
	}
	conn.send(nostr.EOSEEnvelope(id))
}
