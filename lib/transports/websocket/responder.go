package websocket

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/hornet-relay/lib/logging"
)

// processMessage routes one client frame by its label
func (s *Server) processMessage(ctx context.Context, conn *connection, message []byte) {
	var frame []jsoniter.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil || len(frame) == 0 {
		conn.send(nostr.NoticeEnvelope("error: could not parse message"))
		return
	}

	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		conn.send(nostr.NoticeEnvelope("error: message label must be a string"))
		return
	}

	switch label {
	case "EVENT":
		s.handleEventMessage(ctx, conn, frame[1:])
	case "REQ":
		s.handleReqMessage(ctx, conn, frame[1:])
	case "CLOSE":
		s.handleCloseMessage(conn, frame[1:])
	default:
		logging.Debugf("Unknown message type: %s", label)
		conn.send(nostr.NoticeEnvelope("error: unknown message type " + label))
	}
}

// subscriptionID decodes a subscription id argument
func subscriptionID(raw jsoniter.RawMessage) (string, bool) {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", false
	}
	if id == "" || len(id) > maxSubscriptionIDLength {
		return "", false
	}
	return id, true
}
