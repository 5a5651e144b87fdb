package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opencall/phonecore/internal/reliability"
)

// PostgresStore is the default CallHistoryStore binding: a sessions table
// indexed by (user_id, started_at) and a turns table indexed by
// (user_id, created_at). AppendTurn is an upsert keyed by turn_id so replays
// are idempotent, and each write runs in a single transaction: update the
// session's last_activity_at, then insert-or-update the turn row.
type PostgresStore struct {
	pool        *pgxpool.Pool
	healthy     bool
	pending     []Turn
	onPersistErr func(error)
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, healthy: true}, nil
}

// SetPersistErrorHook registers a callback invoked whenever AppendTurn fails
// after retry and the turn is parked in the in-memory durable-later buffer.
func (s *PostgresStore) SetPersistErrorHook(hook func(error)) {
	s.onPersistErr = hook
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			language TEXT NOT NULL,
			kid_friendly BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_started ON sessions (user_id, started_at);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			user_text TEXT NOT NULL,
			ai_text TEXT NOT NULL,
			interrupted BOOLEAN NOT NULL DEFAULT FALSE,
			interrupt_kind TEXT NOT NULL DEFAULT '',
			policy_redirected BOOLEAN NOT NULL DEFAULT FALSE,
			audio_chunks INTEGER NOT NULL DEFAULT 0,
			audio_unavailable BOOLEAN NOT NULL DEFAULT FALSE,
			stt_ms BIGINT NOT NULL DEFAULT 0,
			llm_ms BIGINT NOT NULL DEFAULT 0,
			tts_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_user_created ON turns (user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns (session_id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) BeginSession(ctx context.Context, session Session) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, language, kid_friendly, started_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (id) DO NOTHING`,
		session.ID, session.UserID, session.Language, session.KidFriendly, session.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	return nil
}

func (s *PostgresStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET ended_at=$2, last_activity_at=$2 WHERE id=$1`,
		sessionID, endedAt,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// AppendTurn writes a Turn transactionally: update the session's
// last_activity_at, then insert-or-update the turn row keyed by turn_id. On
// failure it retries with bounded backoff before parking the turn in the
// in-memory durable-later buffer.
func (s *PostgresStore) AppendTurn(ctx context.Context, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt, 50*time.Millisecond, 500*time.Millisecond)):
			}
		}
		if err := s.appendTurnTx(ctx, turn); err != nil {
			lastErr = err
			continue
		}
		s.healthy = true
		return nil
	}

	s.healthy = false
	s.pending = append(s.pending, turn)
	if s.onPersistErr != nil {
		s.onPersistErr(lastErr)
	}
	return fmt.Errorf("append turn (queued for retry): %w", lastErr)
}

func (s *PostgresStore) appendTurnTx(ctx context.Context, turn Turn) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET last_activity_at=$2 WHERE id=$1`,
		turn.SessionID, turn.CreatedAt,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO turns (id, session_id, user_id, user_text, ai_text, interrupted, interrupt_kind,
			policy_redirected, audio_chunks, audio_unavailable, stt_ms, llm_ms, tts_ms, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		 ON CONFLICT (id) DO UPDATE SET
			user_text=EXCLUDED.user_text,
			ai_text=EXCLUDED.ai_text,
			interrupted=EXCLUDED.interrupted,
			interrupt_kind=EXCLUDED.interrupt_kind,
			policy_redirected=EXCLUDED.policy_redirected,
			audio_chunks=EXCLUDED.audio_chunks,
			audio_unavailable=EXCLUDED.audio_unavailable,
			stt_ms=EXCLUDED.stt_ms,
			llm_ms=EXCLUDED.llm_ms,
			tts_ms=EXCLUDED.tts_ms`,
		turn.ID, turn.SessionID, turn.UserID, turn.UserText, turn.AIText, turn.Interrupted, turn.InterruptKind,
		turn.PolicyRedirected, turn.AudioChunks, turn.AudioUnavailable,
		turn.Timings.STTMs, turn.Timings.LLMMs, turn.Timings.TTSMs, turn.CreatedAt,
	); err != nil {
		return fmt.Errorf("upsert turn: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, userID string, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.user_id, s.language, s.kid_friendly, s.started_at, s.ended_at,
			(SELECT count(*) FROM turns t WHERE t.session_id = s.id)
		 FROM sessions s WHERE s.user_id=$1 ORDER BY s.started_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.ID, &s.UserID, &s.Language, &s.KidFriendly, &s.StartedAt, &s.EndedAt, &s.TurnCount); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTurn(ctx context.Context, turnID string) (Turn, error) {
	var t Turn
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, user_id, user_text, ai_text, interrupted, interrupt_kind,
			policy_redirected, audio_chunks, audio_unavailable, stt_ms, llm_ms, tts_ms, created_at
		 FROM turns WHERE id=$1`,
		turnID,
	).Scan(&t.ID, &t.SessionID, &t.UserID, &t.UserText, &t.AIText, &t.Interrupted, &t.InterruptKind,
		&t.PolicyRedirected, &t.AudioChunks, &t.AudioUnavailable, &t.Timings.STTMs, &t.Timings.LLMMs, &t.Timings.TTSMs, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Turn{}, ErrTurnNotFound
		}
		return Turn{}, fmt.Errorf("get turn: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) SearchByText(ctx context.Context, userID, query string) ([]Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_id, user_text, ai_text, interrupted, interrupt_kind,
			policy_redirected, audio_chunks, audio_unavailable, stt_ms, llm_ms, tts_ms, created_at
		 FROM turns WHERE user_id=$1 AND (user_text ILIKE $2 OR ai_text ILIKE $2)
		 ORDER BY created_at DESC LIMIT 50`,
		userID, "%"+query+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("search turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &t.UserText, &t.AIText, &t.Interrupted, &t.InterruptKind,
			&t.PolicyRedirected, &t.AudioChunks, &t.AudioUnavailable, &t.Timings.STTMs, &t.Timings.LLMMs, &t.Timings.TTSMs, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM turns WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE started_at < $1 AND ended_at IS NOT NULL`, olderThan); err != nil {
		return tag.RowsAffected(), fmt.Errorf("prune sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecentContext returns the most recent turns for a user in chronological
// order, suitable for seeding an LLM prompt's memory context.
func (s *PostgresStore) RecentContext(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_id, user_text, ai_text, interrupted, interrupt_kind,
			policy_redirected, audio_chunks, audio_unavailable, stt_ms, llm_ms, tts_ms, created_at
		 FROM turns WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent context: %w", err)
	}
	defer rows.Close()

	var items []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &t.UserText, &t.AIText, &t.Interrupted, &t.InterruptKind,
			&t.PolicyRedirected, &t.AudioChunks, &t.AudioUnavailable, &t.Timings.STTMs, &t.Timings.LLMMs, &t.Timings.TTSMs, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Healthy reports whether the most recent AppendTurn succeeded without
// falling back to the in-memory durable-later buffer.
func (s *PostgresStore) Healthy() bool {
	return s.healthy
}

// PendingCount reports how many turns are parked in the durable-later buffer.
func (s *PostgresStore) PendingCount() int {
	return len(s.pending)
}
