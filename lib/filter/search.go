package filter

import (
	"regexp"
	"strings"
)

// SearchQuery is a search string split into words and key:value options
type SearchQuery struct {
	Words   []string
	Options map[string]string
}

// optionRegex matches key:value tokens such as include:spam
var optionRegex = regexp.MustCompile(`^(\w+):(\S+)$`)

// ParseSearchQuery splits on whitespace. Tokens shaped like key:value become
// options, everything else is a search word.
// Example: "best nostr apps include:spam" -> words [best nostr apps], options {include: spam}
func ParseSearchQuery(search string) SearchQuery {
	query := SearchQuery{Options: make(map[string]string)}

	for _, token := range strings.Fields(search) {
		if match := optionRegex.FindStringSubmatch(token); match != nil {
			query.Options[strings.ToLower(match[1])] = strings.ToLower(match[2])
			continue
		}
		query.Words = append(query.Words, token)
	}

	return query
}

// Text joins the search words with single spaces
func (q SearchQuery) Text() string {
	return strings.Join(q.Words, " ")
}

// Option returns the value of a search option
func (q SearchQuery) Option(key string) (string, bool) {
	value, ok := q.Options[strings.ToLower(key)]
	return value, ok
}

// SearchText returns the filter's search words joined by single spaces
func (f *Filter) SearchText() string {
	return strings.Join(f.SearchWords, " ")
}
