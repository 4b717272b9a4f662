package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"blueprint/api/internal/util"
)

// Postgres implements the persistence layer on a plain database/sql handle.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

const sessionColumns = `id, share_id, title, problem_statement, template_id, notes, document, artifacts, share_password_hash, created_at, updated_at`

// touchUpdatedAt keeps updated_at strictly increasing even when two writes land
// inside the same clock tick.
const touchUpdatedAt = `GREATEST(clock_timestamp(), updated_at + INTERVAL '1 microsecond')`

func (p *Postgres) CreateSession(ctx context.Context, title, problemStatement, templateID string, document json.RawMessage) (Session, error) {
	if len(document) == 0 {
		document = json.RawMessage(`{}`)
	}
	session := Session{
		ID:               util.NewID("ses"),
		ShareID:          util.NewID(""),
		Title:            title,
		ProblemStatement: problemStatement,
		TemplateID:       templateID,
		Document:         document,
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO design_sessions (id, share_id, title, problem_statement, template_id, document)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+sessionColumns,
		session.ID, session.ShareID, session.Title, session.ProblemStatement, session.TemplateID, []byte(session.Document),
	)
	created, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}

	revision := Revision{
		ID:        util.NewID("rev"),
		SessionID: created.ID,
		Label:     "initial",
		Document:  created.Document,
	}
	if err := insertRevision(ctx, tx, &revision); err != nil {
		return Session{}, err
	}
	created.Revisions = []Revision{revision}

	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit create session: %w", err)
	}
	return created, nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM design_sessions WHERE id=$1`, id)
	session, err := scanSession(row)
	if err != nil {
		return Session{}, err
	}
	session.Revisions, err = p.ListRevisions(ctx, session.ID)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

func (p *Postgres) GetSessionByShareID(ctx context.Context, shareID string) (Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM design_sessions WHERE share_id=$1`, shareID)
	session, err := scanSession(row)
	if err != nil {
		return Session{}, err
	}
	session.Revisions, err = p.ListRevisions(ctx, session.ID)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

func (p *Postgres) ListRevisions(ctx context.Context, sessionID string) ([]Revision, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, label, document, created_at
		FROM session_revisions
		WHERE session_id=$1
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	var revisions []Revision
	for rows.Next() {
		var rev Revision
		var doc []byte
		if err := rows.Scan(&rev.ID, &rev.SessionID, &rev.Label, &doc, &rev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		rev.Document = json.RawMessage(doc)
		revisions = append(revisions, rev)
	}
	return revisions, rows.Err()
}

// AppendRevision records a new snapshot and promotes it to the session's
// current document. The session row is locked for the duration of the write.
func (p *Postgres) AppendRevision(ctx context.Context, sessionID, label string, document json.RawMessage) (Session, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin append revision: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockSession(ctx, tx, sessionID); err != nil {
		return Session{}, err
	}

	revision := Revision{
		ID:        util.NewID("rev"),
		SessionID: sessionID,
		Label:     label,
		Document:  document,
	}
	if err := insertRevision(ctx, tx, &revision); err != nil {
		return Session{}, err
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE design_sessions
		SET document=$2, updated_at=`+touchUpdatedAt+`
		WHERE id=$1
		RETURNING `+sessionColumns, sessionID, []byte(document))
	session, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("update session document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit append revision: %w", err)
	}
	return p.GetSession(ctx, session.ID)
}

func (p *Postgres) UpdateSessionFields(ctx context.Context, id string, patch SessionPatch) (Session, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin update session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockSession(ctx, tx, id); err != nil {
		return Session{}, err
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE design_sessions
		SET title=COALESCE($2, title),
		    problem_statement=COALESCE($3, problem_statement),
		    updated_at=`+touchUpdatedAt+`
		WHERE id=$1
		RETURNING `+sessionColumns, id, patch.Title, patch.ProblemStatement)
	session, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("update session fields: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit update session: %w", err)
	}
	session.Revisions, err = p.ListRevisions(ctx, session.ID)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

func (p *Postgres) UpdateSessionNotes(ctx context.Context, id, notes string) (Session, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE design_sessions
		SET notes=$2, updated_at=`+touchUpdatedAt+`
		WHERE id=$1
		RETURNING `+sessionColumns, id, notes)
	session, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("update session notes: %w", err)
	}
	session.Revisions, err = p.ListRevisions(ctx, session.ID)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// MergeArtifacts unions delta into the stored artifacts under the row lock so
// concurrent publishes cannot drop each other's identifiers.
func (p *Postgres) MergeArtifacts(ctx context.Context, id string, delta Artifacts) (Session, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin merge artifacts: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT artifacts FROM design_sessions WHERE id=$1 FOR UPDATE`, id).Scan(&raw)
	if err != nil {
		return Session{}, err
	}
	var current Artifacts
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &current); err != nil {
			return Session{}, fmt.Errorf("decode artifacts: %w", err)
		}
	}

	merged, err := json.Marshal(current.Merge(delta))
	if err != nil {
		return Session{}, fmt.Errorf("encode artifacts: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE design_sessions
		SET artifacts=$2, updated_at=`+touchUpdatedAt+`
		WHERE id=$1
		RETURNING `+sessionColumns, id, merged)
	session, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("update artifacts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit merge artifacts: %w", err)
	}
	session.Revisions, err = p.ListRevisions(ctx, session.ID)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

func (p *Postgres) SetSharePassword(ctx context.Context, id, passwordHash string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE design_sessions
		SET share_password_hash=$2, updated_at=`+touchUpdatedAt+`
		WHERE id=$1`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("set share password: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set share password: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (p *Postgres) InsertExport(ctx context.Context, record ExportRecord) (ExportRecord, error) {
	if record.ID == "" {
		record.ID = util.NewID("exp")
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO session_exports (id, session_id, format, storage_url)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		record.ID, record.SessionID, record.Format, record.StorageURL,
	).Scan(&record.CreatedAt)
	if err != nil {
		return ExportRecord{}, fmt.Errorf("insert export: %w", err)
	}
	return record, nil
}

func (p *Postgres) ListExports(ctx context.Context, sessionID string) ([]ExportRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, format, storage_url, created_at
		FROM session_exports
		WHERE session_id=$1
		ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	defer rows.Close()

	var records []ExportRecord
	for rows.Next() {
		var rec ExportRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Format, &rec.StorageURL, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan export: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *Postgres) CreateTopic(ctx context.Context, topic LearningTopic) (LearningTopic, error) {
	tags, err := json.Marshal(orEmpty(topic.Tags))
	if err != nil {
		return LearningTopic{}, fmt.Errorf("encode topic tags: %w", err)
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO learning_topics (title, description, tags)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		topic.Title, topic.Description, tags,
	).Scan(&topic.ID, &topic.CreatedAt)
	if err != nil {
		return LearningTopic{}, fmt.Errorf("insert topic: %w", err)
	}
	return topic, nil
}

func (p *Postgres) GetTopic(ctx context.Context, id int64) (LearningTopic, error) {
	var topic LearningTopic
	var tags []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, title, description, tags, created_at FROM learning_topics WHERE id=$1`, id,
	).Scan(&topic.ID, &topic.Title, &topic.Description, &tags, &topic.CreatedAt)
	if err != nil {
		return LearningTopic{}, err
	}
	if err := json.Unmarshal(tags, &topic.Tags); err != nil {
		return LearningTopic{}, fmt.Errorf("decode topic tags: %w", err)
	}
	return topic, nil
}

func (p *Postgres) CreateResource(ctx context.Context, resource LearningResource) (LearningResource, error) {
	tags, err := json.Marshal(orEmpty(resource.Tags))
	if err != nil {
		return LearningResource{}, fmt.Errorf("encode resource tags: %w", err)
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO learning_resources (topic_id, title, content, tags)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		resource.TopicID, resource.Title, resource.Content, tags,
	).Scan(&resource.ID, &resource.CreatedAt)
	if err != nil {
		return LearningResource{}, fmt.Errorf("insert resource: %w", err)
	}
	return resource, nil
}

func (p *Postgres) CreateCard(ctx context.Context, card Card) (Card, error) {
	if card.ID == "" {
		card.ID = util.NewID("card")
	}
	tags, err := json.Marshal(orEmpty(card.Tags))
	if err != nil {
		return Card{}, fmt.Errorf("encode card tags: %w", err)
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO cards (id, title, summary, content, topic, tags, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		card.ID, card.Title, card.Summary, card.Content, card.Topic, tags, card.SessionID,
	).Scan(&card.CreatedAt)
	if err != nil {
		return Card{}, fmt.Errorf("insert card: %w", err)
	}
	return card, nil
}

// SavePrep upserts by id so a republish with an existing interview prep
// refreshes the payload instead of duplicating the record.
func (p *Postgres) SavePrep(ctx context.Context, prep InterviewPrep) (InterviewPrep, error) {
	if prep.ID == "" {
		prep.ID = util.NewID("prep")
	}
	if len(prep.Payload) == 0 {
		prep.Payload = json.RawMessage(`{}`)
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO interview_preps (id, session_id, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET payload=EXCLUDED.payload, updated_at=NOW()
		RETURNING created_at, updated_at`,
		prep.ID, prep.SessionID, []byte(prep.Payload),
	).Scan(&prep.CreatedAt, &prep.UpdatedAt)
	if err != nil {
		return InterviewPrep{}, fmt.Errorf("save interview prep: %w", err)
	}
	return prep, nil
}

func lockSession(ctx context.Context, tx *sql.Tx, id string) error {
	var found string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM design_sessions WHERE id=$1 FOR UPDATE`, id).Scan(&found); err != nil {
		return err
	}
	return nil
}

func insertRevision(ctx context.Context, tx *sql.Tx, rev *Revision) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO session_revisions (id, session_id, label, document)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		rev.ID, rev.SessionID, rev.Label, []byte(rev.Document),
	).Scan(&rev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var doc, artifacts []byte
	var createdAt, updatedAt time.Time
	err := row.Scan(&s.ID, &s.ShareID, &s.Title, &s.ProblemStatement, &s.TemplateID, &s.Notes, &doc, &artifacts, &s.SharePasswordHash, &createdAt, &updatedAt)
	if err != nil {
		return Session{}, err
	}
	s.Document = json.RawMessage(doc)
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &s.Artifacts); err != nil {
			return Session{}, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	s.CreatedAt = createdAt
	s.UpdatedAt = updatedAt
	return s, nil
}

func orEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
