package events

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip13"

	"github.com/HORNET-Storage/hornet-relay/lib/signing"
)

// Reason separates malformed events from events refused by policy
type Reason int

const (
	ReasonInvalid Reason = iota
	ReasonRejected
)

// ValidationError carries the message sent back to the publisher
type ValidationError struct {
	Reason  Reason
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: ReasonInvalid, Message: fmt.Sprintf(format, args...)}
}

func rejected(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: ReasonRejected, Message: fmt.Sprintf(format, args...)}
}

const (
	MessageBadID         = "invalid: id is wrong"
	MessageBadSignature  = "invalid: signature is wrong"
	MessageExpired       = "reject: event is expired"
	MessageBadDelegation = "invalid: delegation tag verification failed"
)

// Options are the acceptance policy knobs
type Options struct {
	// CreatedAtUpperLimit is how many seconds into the future created_at may lie, 0 disables the check
	CreatedAtUpperLimit int64
	MinLeadingZeroBits  int
	Now                 func() time.Time
}

func (o Options) now() int64 {
	if o.Now != nil {
		return o.Now().Unix()
	}
	return time.Now().Unix()
}

// Validate runs the acceptance checks in order and stops at the first failure.
// On success the event's Author is set to the delegator when a delegation tag verified.
func Validate(ev *Event, opts Options) error {
	if ev.GetID() != ev.ID {
		return invalid(MessageBadID)
	}

	if err := signing.VerifySignature(ev.Sig, mustHex(ev.ID), ev.PubKey); err != nil {
		return invalid(MessageBadSignature)
	}

	now := opts.now()

	if ev.IsExpired(now) {
		return rejected(MessageExpired)
	}

	if opts.CreatedAtUpperLimit > 0 && ev.CreatedAtUnix()-now > opts.CreatedAtUpperLimit {
		return rejected("invalid: created_at too far in the future (more than %d seconds)", opts.CreatedAtUpperLimit)
	}

	if opts.MinLeadingZeroBits > 0 {
		if err := checkProofOfWork(ev, opts.MinLeadingZeroBits); err != nil {
			return err
		}
	}

	delegator, err := verifyDelegation(ev)
	if err != nil {
		return err
	}
	if delegator != "" {
		ev.Author = delegator
	}

	return nil
}

func checkProofOfWork(ev *Event, floor int) error {
	difficulty := nip13.Difficulty(ev.ID)
	if difficulty < 0 {
		return invalid(MessageBadID)
	}
	if difficulty < floor {
		return rejected("pow: difficulty %d is less than %d", difficulty, floor)
	}

	// A committed target below the floor fails even when the id happens to clear it
	for _, tag := range ev.Tags {
		if len(tag) < 3 || tag[0] != "nonce" {
			continue
		}
		target, err := strconv.Atoi(strings.TrimSpace(tag[2]))
		if err != nil {
			target = 0
		}
		if target < floor {
			return rejected("pow: difficulty %d is less than %d", target, floor)
		}
		break
	}

	return nil
}

// verifyDelegation returns the delegator pubkey, or "" when no delegation tag is present
func verifyDelegation(ev *Event) (string, error) {
	for _, tag := range ev.Tags {
		if len(tag) == 0 || tag[0] != "delegation" {
			continue
		}
		if len(tag) != 4 {
			return "", invalid(MessageBadDelegation)
		}

		delegator, conditions, token := tag[1], tag[2], tag[3]
		if !IsHex(delegator, 64) {
			return "", invalid(MessageBadDelegation)
		}

		hash := signing.Hash([]byte("nostr:delegation:" + ev.PubKey + ":" + conditions))
		if err := signing.VerifySignature(token, hash, delegator); err != nil {
			return "", invalid(MessageBadDelegation)
		}

		if !conditionsHold(conditions, ev) {
			return "", invalid(MessageBadDelegation)
		}

		return delegator, nil
	}

	return "", nil
}

// conditionsHold evaluates "&" joined clauses of kind=N, created_at>N and created_at<N
func conditionsHold(conditions string, ev *Event) bool {
	for _, clause := range strings.Split(conditions, "&") {
		idx := strings.IndexAny(clause, "=<>")
		if idx <= 0 {
			return false
		}

		attribute, op := clause[:idx], clause[idx]
		value, err := strconv.ParseInt(clause[idx+1:], 10, 64)
		if err != nil {
			return false
		}

		switch {
		case attribute == "kind" && op == '=':
			if int64(ev.Kind) != value {
				return false
			}
		case attribute == "created_at" && op == '>':
			if ev.CreatedAtUnix() <= value {
				return false
			}
		case attribute == "created_at" && op == '<':
			if ev.CreatedAtUnix() >= value {
				return false
			}
		default:
			return false
		}
	}

	return true
}
