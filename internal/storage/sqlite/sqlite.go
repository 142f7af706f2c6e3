package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"promptrelay/internal/storage"
	"promptrelay/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLiteStore struct {
	db *sql.DB
	q  dbtx
}

func New(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite works best with single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db, q: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(storage.Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		// Already inside a transaction, reuse it.
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteStore{db: s.db, q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// nextID hands out sequential ids per counter name, starting at 0.
func (s *SQLiteStore) nextID(ctx context.Context, name string) (int64, error) {
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO counters (name, next) VALUES (?, 0) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return 0, fmt.Errorf("failed to init counter: %w", err)
	}

	var id int64
	if err := s.q.QueryRowContext(ctx,
		`SELECT next FROM counters WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}

	if _, err := s.q.ExecContext(ctx,
		`UPDATE counters SET next = next + 1 WHERE name = ?`, name); err != nil {
		return 0, fmt.Errorf("failed to advance counter: %w", err)
	}

	return id, nil
}

func (s *SQLiteStore) SetWhitelisted(ctx context.Context, principal string, authorized bool) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO whitelist (principal, authorized, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(principal) DO UPDATE SET authorized = excluded.authorized, updated_at = excluded.updated_at`,
		principal, boolToInt(authorized), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set whitelist entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsWhitelisted(ctx context.Context, principal string) (bool, error) {
	var authorized int
	err := s.q.QueryRowContext(ctx,
		`SELECT authorized FROM whitelist WHERE principal = ?`, principal).Scan(&authorized)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get whitelist entry: %w", err)
	}
	return authorized != 0, nil
}

func (s *SQLiteStore) ListWhitelisted(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT principal FROM whitelist WHERE authorized = 1 ORDER BY principal`)
	if err != nil {
		return nil, fmt.Errorf("failed to list whitelist: %w", err)
	}
	defer rows.Close()

	var principals []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan whitelist entry: %w", err)
		}
		principals = append(principals, p)
	}
	return principals, rows.Err()
}

func (s *SQLiteStore) PutAttestation(ctx context.Context, att *storage.AttestationRecord) error {
	seq, err := s.nextID(ctx, "attestations")
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO attestations (principal, attestation, created_at, seq) VALUES (?, ?, ?, ?)
		 ON CONFLICT(principal) DO UPDATE SET attestation = excluded.attestation, created_at = excluded.created_at, seq = excluded.seq`,
		att.Principal, att.Attestation, att.CreatedAt.Unix(), seq)
	if err != nil {
		return fmt.Errorf("failed to put attestation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestAttestation(ctx context.Context) (*storage.AttestationRecord, error) {
	var (
		att       storage.AttestationRecord
		createdAt int64
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT principal, attestation, created_at FROM attestations ORDER BY seq DESC LIMIT 1`).
		Scan(&att.Principal, &att.Attestation, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest attestation: %w", err)
	}
	att.CreatedAt = time.Unix(createdAt, 0)
	return &att, nil
}

func (s *SQLiteStore) CreatePrompt(ctx context.Context, p *storage.PromptRecord) error {
	id, err := s.nextID(ctx, "prompts")
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO prompts (id, requester, callback_id, prompt_type, content, processed, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		id, p.Requester, p.CallbackID, string(p.PromptType), p.Content, p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create prompt: %w", err)
	}

	p.ID = id
	return nil
}

const promptColumns = `id, requester, callback_id, prompt_type, content, processed,
	response_content, response_model, prompt_tokens, completion_tokens, total_tokens, response_error,
	created_at, processed_at`

func (s *SQLiteStore) GetPrompt(ctx context.Context, id int64) (*storage.PromptRecord, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM prompts WHERE id = ?`, id)
	p, err := scanPrompt(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPrompts(ctx context.Context, filter storage.PromptFilter) ([]*storage.PromptRecord, int, error) {
	limit := filter.Limit
	if limit == 0 {
		limit = 100 // Default limit
	}

	where := `WHERE 1=1`
	args := []any{}
	if filter.Requester != nil {
		where += ` AND requester = ?`
		args = append(args, *filter.Requester)
	}
	if filter.Processed != nil {
		where += ` AND processed = ?`
		args = append(args, boolToInt(*filter.Processed))
	}

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompts `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count prompts: %w", err)
	}

	if filter.Cursor != nil {
		where += ` AND id > ?`
		args = append(args, *filter.Cursor)
	}
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+promptColumns+` FROM prompts `+where+` ORDER BY id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	var records []*storage.PromptRecord
	for rows.Next() {
		p, err := scanPrompt(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan prompt: %w", err)
		}
		records = append(records, p)
	}
	return records, total, rows.Err()
}

func (s *SQLiteStore) MarkPromptProcessed(ctx context.Context, id int64, resp *storage.ResponseRecord, processedAt time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE prompts SET processed = 1, response_content = ?, response_model = ?,
		 prompt_tokens = ?, completion_tokens = ?, total_tokens = ?, response_error = ?, processed_at = ?
		 WHERE id = ? AND processed = 0`,
		resp.Content, toNullString(resp.Model),
		toNullInt(resp.PromptTokens), toNullInt(resp.CompletionTokens), toNullInt(resp.TotalTokens),
		sql.NullString{String: resp.Error, Valid: resp.Error != ""},
		processedAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark prompt processed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompts WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check prompt existence: %w", err)
		}
		if exists == 0 {
			return storage.ErrNotFound
		}
		return storage.ErrConflict
	}
	return nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *storage.ConversationRecord) error {
	id, err := s.nextID(ctx, "conversations")
	if err != nil {
		return err
	}

	images, err := json.Marshal(c.Images)
	if err != nil {
		return fmt.Errorf("failed to marshal images: %w", err)
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO conversations (id, requester, owner, awaiting_response, finished, iterations,
		 max_iterations, token_uri, minted, hp, images, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, c.Requester, c.Owner, boolToInt(c.AwaitingResponse), boolToInt(c.Finished),
		c.Iterations, c.MaxIterations, toNullString(c.TokenURI), boolToInt(c.Minted),
		toNullInt(c.HP), string(images), c.CreatedAt.Unix(), c.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	c.ID = id
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*storage.ConversationRecord, error) {
	var (
		c                           storage.ConversationRecord
		awaiting, finished, minted  int
		tokenURI                    sql.NullString
		hp                          sql.NullInt64
		images                      sql.NullString
		createdAt, updatedAt        int64
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, requester, owner, awaiting_response, finished, iterations, max_iterations,
		 token_uri, minted, hp, images, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Requester, &c.Owner, &awaiting, &finished, &c.Iterations, &c.MaxIterations,
			&tokenURI, &minted, &hp, &images, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	c.AwaitingResponse = awaiting != 0
	c.Finished = finished != 0
	c.Minted = minted != 0
	c.TokenURI = fromNullString(tokenURI)
	if hp.Valid {
		v := int(hp.Int64)
		c.HP = &v
	}
	if images.Valid && images.String != "" {
		if err := json.Unmarshal([]byte(images.String), &c.Images); err != nil {
			return nil, fmt.Errorf("failed to unmarshal images: %w", err)
		}
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, c *storage.ConversationRecord) error {
	images, err := json.Marshal(c.Images)
	if err != nil {
		return fmt.Errorf("failed to marshal images: %w", err)
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE conversations SET awaiting_response = ?, finished = ?, iterations = ?, max_iterations = ?,
		 token_uri = ?, minted = ?, hp = ?, images = ?, updated_at = ? WHERE id = ?`,
		boolToInt(c.AwaitingResponse), boolToInt(c.Finished), c.Iterations, c.MaxIterations,
		toNullString(c.TokenURI), boolToInt(c.Minted), toNullInt(c.HP), string(images),
		time.Now().Unix(), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *storage.MessageRecord) error {
	var seq sql.NullInt64
	if err := s.q.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, m.ConversationID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read message seq: %w", err)
	}
	next := 0
	if seq.Valid {
		next = int(seq.Int64) + 1
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ConversationID, next, string(m.Role), m.Content, m.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	m.Seq = next
	return nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID int64) ([]*storage.MessageRecord, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT conversation_id, seq, role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var records []*storage.MessageRecord
	for rows.Next() {
		var (
			m         storage.MessageRecord
			role      string
			createdAt int64
		)
		if err := rows.Scan(&m.ConversationID, &m.Seq, &role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = types.Role(role)
		m.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, &m)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *storage.EventRecord) error {
	idx, err := s.nextID(ctx, "events")
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO events (idx, type, prompt_id, requester, created_at) VALUES (?, ?, ?, ?, ?)`,
		idx, e.Type, e.PromptID, e.Requester, e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	e.Index = idx
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, after int64, limit int) ([]*storage.EventRecord, error) {
	if limit == 0 {
		limit = 100
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT idx, type, prompt_id, requester, created_at FROM events WHERE idx >= ? ORDER BY idx ASC LIMIT ?`,
		after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var records []*storage.EventRecord
	for rows.Next() {
		var (
			e         storage.EventRecord
			createdAt int64
		)
		if err := rows.Scan(&e.Index, &e.Type, &e.PromptID, &e.Requester, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, &e)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*types.OracleStats, error) {
	var total, processed int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(processed), 0) FROM prompts`).Scan(&total, &processed); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &types.OracleStats{
		TotalPrompts: total,
		Processed:    processed,
		Pending:      total - processed,
	}, nil
}

func scanPrompt(scan func(dest ...any) error) (*storage.PromptRecord, error) {
	var (
		p                       storage.PromptRecord
		promptType              string
		processed               int
		respContent, respModel  sql.NullString
		pTok, cTok, tTok        sql.NullInt64
		respError               sql.NullString
		createdAt               int64
		processedAt             sql.NullInt64
	)
	if err := scan(&p.ID, &p.Requester, &p.CallbackID, &promptType, &p.Content, &processed,
		&respContent, &respModel, &pTok, &cTok, &tTok, &respError, &createdAt, &processedAt); err != nil {
		return nil, err
	}

	p.PromptType = types.PromptType(promptType)
	p.Processed = processed != 0
	p.CreatedAt = time.Unix(createdAt, 0)
	if processedAt.Valid {
		t := time.Unix(processedAt.Int64, 0)
		p.ProcessedAt = &t
	}
	if p.Processed {
		p.Response = &storage.ResponseRecord{
			Content: respContent.String,
			Model:   fromNullString(respModel),
		}
		if pTok.Valid {
			v := int(pTok.Int64)
			p.Response.PromptTokens = &v
		}
		if cTok.Valid {
			v := int(cTok.Int64)
			p.Response.CompletionTokens = &v
		}
		if tTok.Valid {
			v := int(tTok.Int64)
			p.Response.TotalTokens = &v
		}
		if respError.Valid {
			p.Response.Error = respError.String
		}
	}
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func toNullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
