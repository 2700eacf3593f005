package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"canvascollab/internal/rbac"

	"github.com/jackc/pgx/v5/pgconn"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore persists sessions, participants and conflicts in Postgres or
// SQLite. Queries are written with ? placeholders and rebound per dialect.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectPostgres}
}

func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectSQLite}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded migrations for the store's dialect.
func (s *SQLStore) Migrate(ctx context.Context) error {
	fsys, err := Migrations(s.dialect)
	if err != nil {
		return err
	}
	return ApplyMigrations(ctx, s.db, s.dialect, fsys, ".")
}

func (s *SQLStore) q(query string) string {
	return rebind(s.dialect, query)
}

func (s *SQLStore) UpsertAgent(ctx context.Context, agent Agent) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO agents (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name=excluded.name
	`), agent.ID, agent.Name)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *SQLStore) ResolveAgent(ctx context.Context, agentID string) (Agent, error) {
	var agent Agent
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, name FROM agents WHERE id=?`), agentID).Scan(&agent.ID, &agent.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("resolve agent: %w", err)
	}
	return agent, nil
}

func (s *SQLStore) CreateSession(ctx context.Context, session Session) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO collaboration_sessions (id, canvas_id, session_id, owner_user_id, mode, max_agents, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		session.ID,
		session.CanvasID,
		session.SessionID,
		session.OwnerUserID,
		string(session.Mode),
		session.MaxAgents,
		string(session.Status),
		toMillis(session.CreatedAt),
		nullMillis(session.CompletedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("session %s: %w", session.SessionID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// DeleteSession removes a session and, through the foreign key cascade, its
// participants.
func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, s.q(`DELETE FROM collaboration_sessions WHERE session_id=?`), sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var (
		session     Session
		mode        string
		status      string
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, canvas_id, session_id, owner_user_id, mode, max_agents, status, created_at, completed_at
		FROM collaboration_sessions
		WHERE session_id=?
	`), sessionID).Scan(
		&session.ID,
		&session.CanvasID,
		&session.SessionID,
		&session.OwnerUserID,
		&mode,
		&session.MaxAgents,
		&status,
		&createdAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	session.Mode = Mode(mode)
	session.Status = Status(status)
	session.CreatedAt = fromMillis(createdAt)
	session.CompletedAt = fromNullMillis(completedAt)
	return session, nil
}

// CompleteSession marks the session completed and moves every active
// participant to completed with no held locks, in one transaction.
func (s *SQLStore) CompleteSession(ctx context.Context, sessionID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, s.q(`
		UPDATE collaboration_sessions SET status=?, completed_at=?
		WHERE session_id=? AND status=?
	`), string(StatusCompleted), toMillis(at), sessionID, string(StatusActive))
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete session rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, s.q(`SELECT EXISTS(SELECT 1 FROM collaboration_sessions WHERE session_id=?)`), sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("session %s already completed: %w", sessionID, ErrStale)
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE session_participants
		SET status=?, held_locks='[]', left_at=COALESCE(left_at, ?)
		WHERE session_id=? AND status=?
	`), string(StatusCompleted), toMillis(at), sessionID, string(StatusActive)); err != nil {
		return fmt.Errorf("complete participants: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete session: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertParticipant(ctx context.Context, participant Participant) error {
	permissions, heldLocks, err := encodeParticipant(participant)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO session_participants (id, session_id, agent_id, added_by, role, permissions, status, held_locks, actions_count, joined_at, left_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		participant.ID,
		participant.SessionID,
		participant.AgentID,
		participant.AddedBy,
		string(participant.Role),
		permissions,
		string(participant.Status),
		heldLocks,
		participant.ActionsCount,
		toMillis(participant.JoinedAt),
		nullMillis(participant.LeftAt),
		nullMillis(participant.LastActivityAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("participant %s: %w", participant.AgentID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

const participantColumns = `id, session_id, agent_id, added_by, role, permissions, status, held_locks, actions_count, joined_at, left_at, last_activity_at`

func (s *SQLStore) GetParticipant(ctx context.Context, sessionID, agentID string) (Participant, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+participantColumns+` FROM session_participants WHERE session_id=? AND agent_id=?`), sessionID, agentID)
	participant, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, ErrNotFound
	}
	if err != nil {
		return Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return participant, nil
}

// ListParticipants returns every participant ever added to the session in
// join order.
func (s *SQLStore) ListParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+participantColumns+` FROM session_participants WHERE session_id=? ORDER BY seq`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	participants := make([]Participant, 0)
	for rows.Next() {
		participant, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, participant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}

// UpdateParticipant loads the participant row inside a transaction (locked
// with FOR UPDATE on Postgres), applies fn and writes the result back. fn must
// not call back into the store.
func (s *SQLStore) UpdateParticipant(ctx context.Context, sessionID, agentID string, fn func(*Participant) error) (Participant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Participant{}, fmt.Errorf("begin update participant: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + participantColumns + ` FROM session_participants WHERE session_id=? AND agent_id=?`
	if s.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}
	participant, err := scanParticipant(tx.QueryRowContext(ctx, s.q(query), sessionID, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, ErrNotFound
	}
	if err != nil {
		return Participant{}, fmt.Errorf("load participant: %w", err)
	}

	if err := fn(&participant); err != nil {
		return Participant{}, err
	}

	permissions, heldLocks, err := encodeParticipant(participant)
	if err != nil {
		return Participant{}, err
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE session_participants
		SET role=?, permissions=?, status=?, held_locks=?, actions_count=?, left_at=?, last_activity_at=?
		WHERE id=?
	`),
		string(participant.Role),
		permissions,
		string(participant.Status),
		heldLocks,
		participant.ActionsCount,
		nullMillis(participant.LeftAt),
		nullMillis(participant.LastActivityAt),
		participant.ID,
	); err != nil {
		return Participant{}, fmt.Errorf("update participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Participant{}, fmt.Errorf("commit update participant: %w", err)
	}
	return participant, nil
}

func (s *SQLStore) InsertConflict(ctx context.Context, conflict Conflict) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO session_conflicts (id, session_id, canvas_id, component_id, agent_a_id, agent_b_id, action_a, action_b, strategy, resolution, resolved_by, resolved_action, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		conflict.ID,
		conflict.SessionID,
		conflict.CanvasID,
		conflict.ComponentID,
		conflict.AgentAID,
		conflict.AgentBID,
		conflict.ActionA,
		conflict.ActionB,
		conflict.Strategy,
		string(conflict.Resolution),
		conflict.ResolvedBy,
		conflict.ResolvedAction,
		toMillis(conflict.CreatedAt),
		nullMillis(conflict.ResolvedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("conflict %s: %w", conflict.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// ResolveConflict writes the resolution fields once. A conflict that is no
// longer pending yields ErrStale.
func (s *SQLStore) ResolveConflict(ctx context.Context, conflictID string, resolution ConflictResolution) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE session_conflicts
		SET resolution=?, resolved_by=?, resolved_action=?, resolved_at=?
		WHERE id=? AND resolution=?
	`),
		string(resolution.Resolution),
		resolution.ResolvedBy,
		resolution.ResolvedAction,
		toMillis(resolution.ResolvedAt),
		conflictID,
		string(ResolutionPending),
	)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve conflict rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetConflict(ctx, conflictID); err != nil {
		return err
	}
	return fmt.Errorf("conflict %s already resolved: %w", conflictID, ErrStale)
}

const conflictColumns = `id, session_id, canvas_id, component_id, agent_a_id, agent_b_id, action_a, action_b, strategy, resolution, resolved_by, resolved_action, created_at, resolved_at`

func (s *SQLStore) GetConflict(ctx context.Context, conflictID string) (Conflict, error) {
	conflict, err := scanConflict(s.db.QueryRowContext(ctx, s.q(`SELECT `+conflictColumns+` FROM session_conflicts WHERE id=?`), conflictID))
	if errors.Is(err, sql.ErrNoRows) {
		return Conflict{}, ErrNotFound
	}
	if err != nil {
		return Conflict{}, fmt.Errorf("get conflict: %w", err)
	}
	return conflict, nil
}

func (s *SQLStore) ListConflicts(ctx context.Context, sessionID string) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+conflictColumns+` FROM session_conflicts WHERE session_id=? ORDER BY seq`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := make([]Conflict, 0)
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return conflicts, nil
}

func (s *SQLStore) CountConflicts(ctx context.Context, sessionID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM session_conflicts WHERE session_id=?`), sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count conflicts: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (Participant, error) {
	var (
		participant    Participant
		role           string
		permissions    string
		status         string
		heldLocks      string
		joinedAt       int64
		leftAt         sql.NullInt64
		lastActivityAt sql.NullInt64
	)
	if err := row.Scan(
		&participant.ID,
		&participant.SessionID,
		&participant.AgentID,
		&participant.AddedBy,
		&role,
		&permissions,
		&status,
		&heldLocks,
		&participant.ActionsCount,
		&joinedAt,
		&leftAt,
		&lastActivityAt,
	); err != nil {
		return Participant{}, err
	}
	participant.Role = rbac.Role(role)
	participant.Status = Status(status)
	participant.JoinedAt = fromMillis(joinedAt)
	participant.LeftAt = fromNullMillis(leftAt)
	participant.LastActivityAt = fromNullMillis(lastActivityAt)

	if err := json.Unmarshal([]byte(permissions), &participant.Permissions); err != nil {
		return Participant{}, fmt.Errorf("decode permissions: %w", err)
	}
	if participant.Permissions.General == nil {
		participant.Permissions.General = map[rbac.Action]bool{}
	}
	if err := json.Unmarshal([]byte(heldLocks), &participant.HeldLocks); err != nil {
		return Participant{}, fmt.Errorf("decode held locks: %w", err)
	}
	if participant.HeldLocks == nil {
		participant.HeldLocks = []string{}
	}
	return participant, nil
}

func encodeParticipant(participant Participant) (string, string, error) {
	permissions, err := json.Marshal(participant.Permissions)
	if err != nil {
		return "", "", fmt.Errorf("encode permissions: %w", err)
	}
	locks := participant.HeldLocks
	if locks == nil {
		locks = []string{}
	}
	heldLocks, err := json.Marshal(locks)
	if err != nil {
		return "", "", fmt.Errorf("encode held locks: %w", err)
	}
	return string(permissions), string(heldLocks), nil
}

func scanConflict(row rowScanner) (Conflict, error) {
	var (
		conflict   Conflict
		resolution string
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	if err := row.Scan(
		&conflict.ID,
		&conflict.SessionID,
		&conflict.CanvasID,
		&conflict.ComponentID,
		&conflict.AgentAID,
		&conflict.AgentBID,
		&conflict.ActionA,
		&conflict.ActionB,
		&conflict.Strategy,
		&resolution,
		&conflict.ResolvedBy,
		&conflict.ResolvedAction,
		&createdAt,
		&resolvedAt,
	); err != nil {
		return Conflict{}, err
	}
	conflict.Resolution = Resolution(resolution)
	conflict.CreatedAt = fromMillis(createdAt)
	conflict.ResolvedAt = fromNullMillis(resolvedAt)
	return conflict, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}
