// Package filter implements the relay's query descriptor: parsing client
// supplied filters and matching them against events.
package filter

import (
	"sort"
	"strings"

	"github.com/HORNET-Storage/hornet-relay/lib/events"
)

// Filter is a parsed, bounded query over events. Populated fields are
// ANDed together, values within a field are ORed.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64

	// Limit is always set after parsing, 0 means no results
	Limit int

	// Tags maps a single tag letter to its accepted values
	Tags map[string][]string

	Search        string
	SearchWords   []string
	SearchOptions map[string]string
}

// Matches reports whether ev satisfies every populated constraint of f
func (f *Filter) Matches(ev *events.Event) bool {
	if ev == nil {
		return false
	}

	if len(f.IDs) > 0 && !matchesPrefix(f.IDs, ev.ID) {
		return false
	}

	if len(f.Authors) > 0 && !matchesPrefix(f.Authors, ev.Author) {
		return false
	}

	if len(f.Kinds) > 0 && !containsKind(f.Kinds, ev.Kind) {
		return false
	}

	createdAt := ev.CreatedAtUnix()
	if f.Since != nil && createdAt < *f.Since {
		return false
	}
	if f.Until != nil && createdAt > *f.Until {
		return false
	}

	for letter, values := range f.Tags {
		if !hasTagValue(ev, letter, values) {
			return false
		}
	}

	if len(f.SearchWords) > 0 {
		content := strings.ToLower(ev.Content)
		for _, word := range f.SearchWords {
			if !strings.Contains(content, strings.ToLower(word)) {
				return false
			}
		}
	}

	return true
}

// MatchesAny reports whether at least one filter matches ev
func MatchesAny(filters []*Filter, ev *events.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// TagLetters returns the distinct tag letters constrained by f, sorted
func (f *Filter) TagLetters() []string {
	letters := make([]string, 0, len(f.Tags))
	for letter := range f.Tags {
		letters = append(letters, letter)
	}
	sort.Strings(letters)
	return letters
}

// DTagValues returns the accepted d tag values when the filter targets
// parameterized replaceable events of known authors and kinds, which lets
// storage answer it from the d tag column instead of the tag index.
func (f *Filter) DTagValues() ([]string, bool) {
	values, ok := f.Tags["d"]
	if !ok || len(values) == 0 || len(f.Authors) == 0 || len(f.Kinds) == 0 {
		return nil, false
	}

	for _, kind := range f.Kinds {
		if !events.IsParameterizedReplaceable(kind) {
			return nil, false
		}
	}

	return values, true
}

// HasSearch reports whether the filter carries free text
func (f *Filter) HasSearch() bool {
	return strings.TrimSpace(f.Search) != ""
}

func matchesPrefix(prefixes []string, value string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

func containsKind(kinds []int, kind int) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func hasTagValue(ev *events.Event, letter string, values []string) bool {
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != letter {
			continue
		}
		for _, v := range values {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}
