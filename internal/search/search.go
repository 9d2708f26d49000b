// Package search mirrors archive entries and dictionary definitions into
// Meilisearch for full-text lookup. The working tree stays authoritative;
// the mirror is rebuilt from it and degrades to empty results when the
// search backend is down.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultEntry      ResultType = "entry"
	ResultDefinition ResultType = "definition"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Code    string     `json:"code,omitempty"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	URL     string     `json:"url,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterType    ResultType // empty = all types
	FilterChannel string     // channel code, entries only
	Limit         int
	Offset        int
}

// Response is the envelope returned to callers.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// EntryRecord is the data indexed per archive entry.
type EntryRecord struct {
	ID          string   `json:"id"`
	Code        string   `json:"code"`
	Name        string   `json:"name"`
	ChannelCode string   `json:"channelCode"`
	Authors     []string `json:"authors"`
	Tags        []string `json:"tags"`
	Body        string   `json:"body"`
	URL         string   `json:"url"`
}

// DefinitionRecord is the data indexed per dictionary definition.
type DefinitionRecord struct {
	ID         string   `json:"id"`
	Terms      []string `json:"terms"`
	Definition string   `json:"definition"`
	URL        string   `json:"url"`
}
