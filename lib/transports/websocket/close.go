package websocket

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"
)

func (s *Server) handleCloseMessage(conn *connection, args []jsoniter.RawMessage) {
	if len(args) == 0 {
		conn.send(nostr.NoticeEnvelope("error: CLOSE needs a subscription id"))
		return
	}

	id, ok := subscriptionID(args[0])
	if !ok {
		conn.send(nostr.NoticeEnvelope("error: invalid subscription id"))
		return
	}

	reason := "subscription not found"
	if broadcaster := s.relay.Broadcaster(); broadcaster != nil && broadcaster.Unsubscribe(conn.id, id) {
		reason = "subscription closed"
	}

	conn.send(nostr.ClosedEnvelope{SubscriptionID: id, Reason: reason})
}
