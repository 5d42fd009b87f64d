package events

import (
	"encoding/hex"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Decode parses a raw event object and checks its shape. The checks here
// are structural only, Validate covers id, signature and policy.
func Decode(raw []byte) (*Event, error) {
	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, invalid("invalid: malformed event: %v", err)
	}

	if err := CheckStructure(&ev); err != nil {
		return nil, err
	}

	return New(ev), nil
}

// CheckStructure verifies field shapes of an already decoded event
func CheckStructure(ev *nostr.Event) error {
	switch {
	case !IsHex(ev.ID, 64):
		return invalid("invalid: id must be 64 lowercase hex characters")
	case !IsHex(ev.PubKey, 64):
		return invalid("invalid: pubkey must be 64 lowercase hex characters")
	case !IsHex(ev.Sig, 128):
		return invalid("invalid: sig must be 128 lowercase hex characters")
	case ev.Kind < 0:
		return invalid("invalid: kind must be non-negative")
	}

	for _, tag := range ev.Tags {
		if len(tag) == 0 {
			return invalid("invalid: empty tag")
		}
	}

	return nil
}

func mustHex(s string) []byte {
	raw, _ := hex.DecodeString(s)
	return raw
}
