// Package events holds the relay's view of a nostr event: its replacement
// class, the fields derived from its tags and the acceptance checks.
package events

import (
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

// Class is the replacement class of an event, decided purely by kind
type Class int

const (
	Regular Class = iota
	Replaceable
	ParameterizedReplaceable
	Ephemeral
	Deletion
)

func (c Class) String() string {
	switch c {
	case Regular:
		return "regular"
	case Replaceable:
		return "replaceable"
	case ParameterizedReplaceable:
		return "parameterized_replaceable"
	case Ephemeral:
		return "ephemeral"
	case Deletion:
		return "deletion"
	default:
		return "unknown"
	}
}

// Classify maps a kind onto its replacement class
func Classify(kind int) Class {
	switch {
	case kind == 5:
		return Deletion
	case kind == 0 || kind == 3 || kind == 41 || (kind >= 10000 && kind < 20000):
		return Replaceable
	case kind >= 20000 && kind < 30000:
		return Ephemeral
	case kind >= 30000 && kind < 40000:
		return ParameterizedReplaceable
	default:
		return Regular
	}
}

// IsParameterizedReplaceable reports whether kind lies in the 30000-39999 range
func IsParameterizedReplaceable(kind int) bool {
	return Classify(kind) == ParameterizedReplaceable
}

// Event wraps a nostr event with the fields the relay derives from it
type Event struct {
	nostr.Event

	// Author is the pubkey the event is attributed to. It differs from
	// PubKey only after a delegation tag has been verified.
	Author     string
	Expiration *int64
	DTagValue  *string
}

// New derives Author, Expiration and DTagValue from ev
func New(ev nostr.Event) *Event {
	e := &Event{
		Event:  ev,
		Author: ev.PubKey,
	}

	for _, tag := range ev.Tags {
		if len(tag) > 1 && tag[0] == "expiration" {
			if ts, err := strconv.ParseInt(tag[1], 10, 64); err == nil {
				e.Expiration = &ts
			}
			break
		}
	}

	if IsParameterizedReplaceable(ev.Kind) {
		d := ""
		for _, tag := range ev.Tags {
			if len(tag) > 1 && tag[0] == "d" && tag[1] != "" {
				d = tag[1]
				break
			}
		}
		e.DTagValue = &d
	}

	return e
}

// Class returns the replacement class of the event
func (e *Event) Class() Class {
	return Classify(e.Kind)
}

// CreatedAtUnix returns created_at as unix seconds
func (e *Event) CreatedAtUnix() int64 {
	return int64(e.CreatedAt)
}

// IsExpired reports whether the expiration lies strictly before now
func (e *Event) IsExpired(now int64) bool {
	return e.Expiration != nil && *e.Expiration < now
}

// GenericTags returns the deduplicated "letter:value" pairs of every
// single letter tag on the event, in first-seen order.
func GenericTags(ev *nostr.Event) []string {
	seen := make(map[string]struct{})
	var out []string

	for _, tag := range ev.Tags {
		if len(tag) < 2 || !IsTagLetter(tag[0]) {
			continue
		}

		entry := tag[0] + ":" + tag[1]
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry)
	}

	return out
}

// IsTagLetter reports whether name is a single ASCII letter
func IsTagLetter(name string) bool {
	if len(name) != 1 {
		return false
	}
	c := name[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// ReferencedEventIDs returns the ids named by "e" tags that have the shape of an event id
func ReferencedEventIDs(ev *nostr.Event) []string {
	var ids []string
	seen := make(map[string]struct{})

	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "e" || !IsHex(tag[1], 64) {
			continue
		}
		if _, ok := seen[tag[1]]; ok {
			continue
		}
		seen[tag[1]] = struct{}{}
		ids = append(ids, tag[1])
	}

	return ids
}

// IsHex reports whether s is exactly n lowercase hex characters
func IsHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	return IsHexPrefix(s)
}

// IsHexPrefix reports whether s consists only of lowercase hex characters
func IsHexPrefix(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
