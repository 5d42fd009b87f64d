package gorm

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	"github.com/HORNET-Storage/hornet-relay/lib/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventRecord is a row of the events table
type EventRecord struct {
	ID     string `gorm:"primaryKey;size:64"`
	PubKey string `gorm:"column:pubkey;size:64;not null"`
	Author string `gorm:"size:64;not null;index:idx_events_author_kind,priority:1"`
	Kind   int    `gorm:"not null;index:idx_events_author_kind,priority:2;index:idx_events_kind_created,priority:1"`

	// Not named CreatedAt so gorm leaves the value alone
	CreatedAtUnix int64 `gorm:"column:created_at;not null;index:idx_events_created_at;index:idx_events_kind_created,priority:2"`

	Tags       string  `gorm:"type:text;not null"`
	Content    string  `gorm:"type:text;not null"`
	Sig        string  `gorm:"size:128;not null"`
	Expiration *int64  `gorm:"index:idx_events_expiration"`
	DTagValue  *string `gorm:"column:d_tag_value"`

	GenericTags []GenericTagRecord `gorm:"foreignKey:EventID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (EventRecord) TableName() string {
	return "events"
}

// GenericTagRecord is one "letter:value" projection of an event's tags.
// Author, kind and created_at are copied so the tag path never touches events.
type GenericTagRecord struct {
	EventID       string `gorm:"primaryKey;size:64"`
	Tag           string `gorm:"primaryKey;index:idx_generic_tags_tag_created,priority:1;index:idx_generic_tags_tag_kind_created,priority:1"`
	Author        string `gorm:"size:64;not null"`
	Kind          int    `gorm:"not null;index:idx_generic_tags_tag_kind_created,priority:2"`
	CreatedAtUnix int64  `gorm:"column:created_at;not null;index:idx_generic_tags_tag_created,priority:2;index:idx_generic_tags_tag_kind_created,priority:3"`
}

func (GenericTagRecord) TableName() string {
	return "generic_tags"
}

// replacementIndexSQL backs the conditional upsert. Regular events keep
// d_tag_value NULL and stay out of it, plain replaceable kinds store "".
const replacementIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS idx_events_replacement
	ON events (author, kind, d_tag_value) WHERE d_tag_value IS NOT NULL`

const dTagIndexSQL = `CREATE INDEX IF NOT EXISTS idx_events_d_tag
	ON events (d_tag_value, kind, created_at) WHERE d_tag_value IS NOT NULL`

// replacementKey is the d_tag_value stored for an event, nil outside replacement groups
func replacementKey(ev *events.Event) *string {
	switch ev.Class() {
	case events.Replaceable:
		empty := ""
		return &empty
	case events.ParameterizedReplaceable:
		if ev.DTagValue != nil {
			d := *ev.DTagValue
			return &d
		}
		empty := ""
		return &empty
	default:
		return nil
	}
}

func newEventRecord(ev *events.Event) (*EventRecord, error) {
	tags := ev.Tags
	if tags == nil {
		tags = nostr.Tags{}
	}

	encoded, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags of %s: %w", ev.ID, err)
	}

	return &EventRecord{
		ID:            ev.ID,
		PubKey:        ev.PubKey,
		Author:        ev.Author,
		Kind:          ev.Kind,
		CreatedAtUnix: ev.CreatedAtUnix(),
		Tags:          string(encoded),
		Content:       ev.Content,
		Sig:           ev.Sig,
		Expiration:    ev.Expiration,
		DTagValue:     replacementKey(ev),
	}, nil
}

func newGenericTagRecords(ev *events.Event) []GenericTagRecord {
	tags := events.GenericTags(&ev.Event)
	records := make([]GenericTagRecord, 0, len(tags))
	for _, tag := range tags {
		records = append(records, GenericTagRecord{
			EventID:       ev.ID,
			Tag:           tag,
			Author:        ev.Author,
			Kind:          ev.Kind,
			CreatedAtUnix: ev.CreatedAtUnix(),
		})
	}
	return records
}

func (record *EventRecord) toEvent() (*events.Event, error) {
	var tags nostr.Tags
	if err := json.Unmarshal([]byte(record.Tags), &tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags of %s: %w", record.ID, err)
	}

	ev := &events.Event{
		Event: nostr.Event{
			ID:        record.ID,
			PubKey:    record.PubKey,
			CreatedAt: nostr.Timestamp(record.CreatedAtUnix),
			Kind:      record.Kind,
			Tags:      tags,
			Content:   record.Content,
			Sig:       record.Sig,
		},
		Author:     record.Author,
		Expiration: record.Expiration,
	}

	if events.IsParameterizedReplaceable(record.Kind) {
		ev.DTagValue = record.DTagValue
	}

	return ev, nil
}
