package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSession ResultType = "session"
	ResultCard    ResultType = "card"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	SessionID string     `json:"sessionId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
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

// SessionRecord is the data we index for a design session.
type SessionRecord struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	ProblemStatement string `json:"problemStatement"`
	Notes            string `json:"notes"`
	TemplateID       string `json:"templateId"`
}

// CardRecord is the data we index for a published knowledge card.
type CardRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Content   string `json:"content"`
	Topic     string `json:"topic"`
	SessionID string `json:"sessionId"`
}
