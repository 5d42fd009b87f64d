// Package helpers provides keys and signed events for relay tests
package helpers

import (
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"

	"github.com/HORNET-Storage/hornet-relay/lib/signing"
)

// TestKeyPair represents a key pair for testing
type TestKeyPair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeyPair generates a new key pair for testing
func GenerateKeyPair() (*TestKeyPair, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	return &TestKeyPair{
		PrivateKey: sk,
		PublicKey:  pk,
	}, nil
}

// MustKeyPair is GenerateKeyPair for test setup where failure is fatal anyway
func MustKeyPair() *TestKeyPair {
	kp, err := GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return kp
}

// CreateEvent creates and signs an event of any kind
func CreateEvent(kp *TestKeyPair, kind int, createdAt int64, content string, tags ...nostr.Tag) (*nostr.Event, error) {
	event := &nostr.Event{
		PubKey:    kp.PublicKey,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      nostr.Tags(tags),
		Content:   content,
	}
	if event.Tags == nil {
		event.Tags = nostr.Tags{}
	}
	if err := event.Sign(kp.PrivateKey); err != nil {
		return nil, fmt.Errorf("failed to sign event: %w", err)
	}
	return event, nil
}

// MustEvent is CreateEvent that panics on signing failure
func MustEvent(kp *TestKeyPair, kind int, createdAt int64, content string, tags ...nostr.Tag) *nostr.Event {
	event, err := CreateEvent(kp, kind, createdAt, content, tags...)
	if err != nil {
		panic(err)
	}
	return event
}

// CreateTextNote creates a kind 1 text note event
func CreateTextNote(kp *TestKeyPair, createdAt int64, content string, tags ...nostr.Tag) *nostr.Event {
	return MustEvent(kp, 1, createdAt, content, tags...)
}

// CreateMetadata creates a kind 0 metadata event
func CreateMetadata(kp *TestKeyPair, createdAt int64, name string) *nostr.Event {
	return MustEvent(kp, 0, createdAt, fmt.Sprintf(`{"name":%q}`, name))
}

// CreateDeletion creates a kind 5 event referencing ids with "e" tags
func CreateDeletion(kp *TestKeyPair, createdAt int64, ids ...string) *nostr.Event {
	tags := make([]nostr.Tag, 0, len(ids))
	for _, id := range ids {
		tags = append(tags, nostr.Tag{"e", id})
	}
	return MustEvent(kp, 5, createdAt, "", tags...)
}

// CreateAddressable creates a parameterized replaceable event with a d tag
func CreateAddressable(kp *TestKeyPair, kind int, createdAt int64, d string, content string) *nostr.Event {
	return MustEvent(kp, kind, createdAt, content, nostr.Tag{"d", d})
}

// DelegationTag builds a delegation tag from delegator to delegatee under conditions
func DelegationTag(delegator *TestKeyPair, delegateePubKey string, conditions string) (nostr.Tag, error) {
	privateKey, err := signing.PrivateKeyFromHex(delegator.PrivateKey)
	if err != nil {
		return nil, err
	}

	hash := signing.Hash([]byte("nostr:delegation:" + delegateePubKey + ":" + conditions))
	token, err := signing.SignData(hash, privateKey)
	if err != nil {
		return nil, err
	}

	return nostr.Tag{"delegation", delegator.PublicKey, conditions, token}, nil
}

// MineEvent searches nonce values until the event id has at least difficulty
// leading zero bits, committing target as the declared difficulty when not empty.
func MineEvent(kp *TestKeyPair, event *nostr.Event, difficulty int, target string) error {
	event.PubKey = kp.PublicKey
	base := event.Tags
	for nonce := 0; ; nonce++ {
		nonceTag := nostr.Tag{"nonce", strconv.Itoa(nonce)}
		if target != "" {
			nonceTag = append(nonceTag, target)
		}
		event.Tags = append(append(nostr.Tags{}, base...), nonceTag)
		event.ID = event.GetID()

		if nip13.Difficulty(event.ID) >= difficulty {
			return event.Sign(kp.PrivateKey)
		}
	}
}
