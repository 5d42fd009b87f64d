package filter

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/HORNET-Storage/hornet-relay/lib/events"
	"github.com/HORNET-Storage/hornet-relay/lib/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidFilter is wrapped by every parse failure
var ErrInvalidFilter = errors.New("invalid filter")

// ParseError describes which filter field was rejected
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid: filter field %q %s", e.Field, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrInvalidFilter
}

// Limits bounds the size of a filter
type Limits struct {
	MaxIDs            int
	MaxAuthors        int
	MaxKinds          int
	MaxTagValues      int
	MaxTagValueLength int
	DefaultLimit      int
	MaxLimit          int
}

// DefaultLimits returns the bounds used when nothing is configured
func DefaultLimits() Limits {
	return Limits{
		MaxIDs:            1000,
		MaxAuthors:        1000,
		MaxKinds:          20,
		MaxTagValues:      256,
		MaxTagValueLength: 1024,
		DefaultLimit:      100,
		MaxLimit:          1000,
	}
}

// LimitsFromConfig converts the configured bounds, keeping defaults for unset values
func LimitsFromConfig(cfg types.FilterLimitsConfig) Limits {
	limits := DefaultLimits()
	set := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	set(&limits.MaxIDs, cfg.MaxIDs)
	set(&limits.MaxAuthors, cfg.MaxAuthors)
	set(&limits.MaxKinds, cfg.MaxKinds)
	set(&limits.MaxTagValues, cfg.MaxTagValues)
	set(&limits.MaxTagValueLength, cfg.MaxTagValueLength)
	set(&limits.DefaultLimit, cfg.DefaultLimit)
	set(&limits.MaxLimit, cfg.MaxLimit)
	return limits
}

// Parse decodes a raw filter object and enforces limits
func Parse(raw []byte, limits Limits) (*Filter, error) {
	var fields map[string]jsoniter.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ParseError{Field: "filter", Reason: "is not a JSON object"}
	}

	f := &Filter{Limit: limits.DefaultLimit}

	for key, value := range fields {
		var err error

		switch {
		case key == "ids":
			f.IDs, err = parseHexPrefixes(key, value, limits.MaxIDs)
		case key == "authors":
			f.Authors, err = parseHexPrefixes(key, value, limits.MaxAuthors)
		case key == "kinds":
			f.Kinds, err = parseKinds(value, limits.MaxKinds)
		case key == "since":
			f.Since, err = parseTimestamp(key, value)
		case key == "until":
			f.Until, err = parseTimestamp(key, value)
		case key == "limit":
			f.Limit, err = parseLimit(value, limits)
		case key == "search":
			err = f.parseSearch(value)
		case strings.HasPrefix(key, "#"):
			err = f.parseTag(key, value, limits)
		}

		if err != nil {
			return nil, err
		}
	}

	return f, nil
}

// ParseAll parses a list of raw filters, failing on the first invalid one
func ParseAll(raws []jsoniter.RawMessage, limits Limits) ([]*Filter, error) {
	filters := make([]*Filter, 0, len(raws))
	for _, raw := range raws {
		f, err := Parse(raw, limits)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func parseHexPrefixes(field string, raw []byte, max int) ([]string, error) {
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, &ParseError{Field: field, Reason: "must be an array of strings"}
	}
	if len(values) > max {
		return nil, &ParseError{Field: field, Reason: fmt.Sprintf("has more than %d entries", max)}
	}

	for _, v := range values {
		if v == "" || len(v) > 64 || !events.IsHexPrefix(v) {
			return nil, &ParseError{Field: field, Reason: fmt.Sprintf("entry %q is not a lowercase hex prefix", v)}
		}
	}

	return values, nil
}

func parseKinds(raw []byte, max int) ([]int, error) {
	var kinds []int
	if err := json.Unmarshal(raw, &kinds); err != nil {
		return nil, &ParseError{Field: "kinds", Reason: "must be an array of integers"}
	}
	if len(kinds) > max {
		return nil, &ParseError{Field: "kinds", Reason: fmt.Sprintf("has more than %d entries", max)}
	}

	for _, k := range kinds {
		if k < 0 {
			return nil, &ParseError{Field: "kinds", Reason: "must not contain negative kinds"}
		}
	}

	return kinds, nil
}

func parseTimestamp(field string, raw []byte) (*int64, error) {
	var ts int64
	if err := json.Unmarshal(raw, &ts); err != nil || ts < 0 {
		return nil, &ParseError{Field: field, Reason: "must be a non-negative integer timestamp"}
	}
	return &ts, nil
}

// parseLimit clamps to MaxLimit. An explicit 0 is kept and yields no stored events.
func parseLimit(raw []byte, limits Limits) (int, error) {
	var limit int
	if err := json.Unmarshal(raw, &limit); err != nil || limit < 0 {
		return 0, &ParseError{Field: "limit", Reason: "must be a non-negative integer"}
	}
	if limit > limits.MaxLimit {
		limit = limits.MaxLimit
	}
	return limit, nil
}

func (f *Filter) parseSearch(raw []byte) error {
	var search string
	if err := json.Unmarshal(raw, &search); err != nil {
		return &ParseError{Field: "search", Reason: "must be a string"}
	}

	query := ParseSearchQuery(search)
	f.Search = search
	f.SearchWords = query.Words
	f.SearchOptions = query.Options
	return nil
}

func (f *Filter) parseTag(key string, raw []byte, limits Limits) error {
	letter := strings.TrimPrefix(key, "#")
	if !events.IsTagLetter(letter) {
		return &ParseError{Field: key, Reason: "is not a single letter tag"}
	}

	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return &ParseError{Field: key, Reason: "must be an array of strings"}
	}
	if len(values) > limits.MaxTagValues {
		return &ParseError{Field: key, Reason: fmt.Sprintf("has more than %d entries", limits.MaxTagValues)}
	}
	for _, v := range values {
		if len(v) > limits.MaxTagValueLength {
			return &ParseError{Field: key, Reason: fmt.Sprintf("has a value longer than %d characters", limits.MaxTagValueLength)}
		}
	}

	if f.Tags == nil {
		f.Tags = make(map[string][]string)
	}
	f.Tags[letter] = values
	return nil
}
