package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across design_sessions and cards using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultSession {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'session'::text AS type, s.id, s.title,
				ts_headline('english', coalesce(s.problem_statement, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.id AS session_id,
				ts_rank(s.fts, %s) AS rank
			FROM design_sessions s
			WHERE s.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultCard {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'card'::text AS type, c.id, c.title,
				ts_headline('english', coalesce(c.summary, '') || ' ' || coalesce(c.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.session_id,
				ts_rank(c.fts, %s) AS rank
			FROM cards c
			WHERE c.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, session_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.SessionID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SessionRecord, []CardRecord, error) {
	sessionRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, problem_statement, notes, template_id
		FROM design_sessions
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load sessions: %w", err)
	}
	defer sessionRows.Close()

	sessions := make([]SessionRecord, 0)
	for sessionRows.Next() {
		var s SessionRecord
		if err := sessionRows.Scan(&s.ID, &s.Title, &s.ProblemStatement, &s.Notes, &s.TemplateID); err != nil {
			return nil, nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := sessionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate sessions: %w", err)
	}

	cardRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, summary, content, topic, session_id
		FROM cards
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load cards: %w", err)
	}
	defer cardRows.Close()

	cards := make([]CardRecord, 0)
	for cardRows.Next() {
		var c CardRecord
		if err := cardRows.Scan(&c.ID, &c.Title, &c.Summary, &c.Content, &c.Topic, &c.SessionID); err != nil {
			return nil, nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	if err := cardRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate cards: %w", err)
	}

	return sessions, cards, nil
}
