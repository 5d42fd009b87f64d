package websocket

import (
	"context"
	"errors"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/hornet-relay/lib/events"
	"github.com/HORNET-Storage/hornet-relay/lib/logging"
)

const messageRestricted = "restricted: not allowed to write to this relay"

func (s *Server) handleEventMessage(ctx context.Context, conn *connection, args []jsoniter.RawMessage) {
	if len(args) == 0 {
		conn.send(nostr.NoticeEnvelope("error: EVENT needs an event object"))
		return
	}
	raw := args[0]

	ev, err := s.relay.ValidateAndClassify(raw)
	if err != nil {
		var verr *events.ValidationError
		if !errors.As(err, &verr) {
			logging.Errorf("Unexpected validation failure: %v", err)
			conn.send(nostr.OKEnvelope{EventID: peekEventID(raw), OK: false, Reason: "error: could not process event"})
			return
		}
		conn.send(nostr.OKEnvelope{EventID: peekEventID(raw), OK: false, Reason: verr.Message})
		return
	}

	if s.access != nil {
		if err := s.access.CanWrite(ev.Author); err != nil {
			conn.send(nostr.OKEnvelope{EventID: ev.ID, OK: false, Reason: messageRestricted})
			return
		}
	}

	result, err := s.relay.AcceptEvent(ctx, ev)
	if err != nil {
		// The relay already logged the storage failure
		conn.send(nostr.OKEnvelope{EventID: ev.ID, OK: false, Reason: result.Message})
		return
	}

	conn.send(nostr.OKEnvelope{EventID: ev.ID, OK: result.Accepted, Reason: result.Message})
}

// peekEventID recovers the id of an event that failed to decode or validate
func peekEventID(raw []byte) string {
	var partial struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &partial)
	return partial.ID
}
