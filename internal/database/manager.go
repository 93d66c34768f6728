// Package database is the SQLite archive of classrooms, dialogue history and votes.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"

	dbconfig "seminar/pkg/database"
	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// ErrManagerClosed is returned by writes after Close.
var ErrManagerClosed = errors.New("database manager is closed")

// Manager implements interfaces.ArchiveStore on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	retryDelay   time.Duration
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

var _ interfaces.ArchiveStore = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the archive at config.DatabasePath and applies pending migrations.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db, dbconfig.MigrationSource(config)).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	// a directory of custom migrations must still produce the archive schema
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive schema invalid: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, config.WriteQueue),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: a failed write is retried exactly once
			err := op.operation(m.db)
			if err != nil {
				log.Printf("Database write failed, retrying in %s: %v", m.retryDelay, err)
				time.Sleep(m.retryDelay)
				if err = op.operation(m.db); err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// SaveClassroom upserts the classroom row together with its full snapshot
func (m *Manager) SaveClassroom(ctx context.Context, session *types.ClassroomSession) error {
	snapshot, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal classroom snapshot: %w", err)
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO classrooms (code, teacher_id, status, level, control_mode, snapshot, created_at, expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(code) DO UPDATE SET
				teacher_id = excluded.teacher_id,
				status = excluded.status,
				level = excluded.level,
				control_mode = excluded.control_mode,
				snapshot = excluded.snapshot,
				expires_at = excluded.expires_at,
				updated_at = CURRENT_TIMESTAMP
		`,
			session.Code,
			session.TeacherID,
			string(session.Status),
			int(session.Level),
			string(session.ControlMode),
			string(snapshot),
			session.CreatedAt.UTC(),
			session.ExpiresAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to save classroom %s: %w", session.Code, err)
		}
		return nil
	})
}

// GetClassroom loads one archived classroom by code
func (m *Manager) GetClassroom(ctx context.Context, code string) (*types.ClassroomSession, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	var snapshot string
	err := m.db.QueryRowContext(ctx, `SELECT snapshot FROM classrooms WHERE code = ?`, code).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrClassroomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query classroom: %w", err)
	}
	return decodeSnapshot(snapshot)
}

// ListRestorable returns classrooms that have not ended and have not expired at now
func (m *Manager) ListRestorable(ctx context.Context, now time.Time) ([]*types.ClassroomSession, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT snapshot FROM classrooms
		WHERE status != 'ended' AND expires_at > ?
		ORDER BY created_at ASC
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query restorable classrooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.ClassroomSession
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan classroom row: %w", err)
		}
		session, err := decodeSnapshot(snapshot)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating classroom rows: %w", err)
	}
	return sessions, nil
}

func decodeSnapshot(snapshot string) (*types.ClassroomSession, error) {
	var session types.ClassroomSession
	if err := json.Unmarshal([]byte(snapshot), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal classroom snapshot: %w", err)
	}
	return &session, nil
}

// StoreMessage appends one dialogue message. Storing the same id twice is a no-op.
func (m *Manager) StoreMessage(ctx context.Context, code string, message *types.Message) error {
	var metadata sql.NullString
	if message.Metadata != nil {
		raw, err := json.Marshal(message.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (id, classroom_code, role, author_id, content, level, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			message.ID,
			code,
			string(message.Role),
			message.AuthorID,
			message.Content,
			int(message.Level),
			metadata,
			message.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// GetHistory returns the messages of a classroom in timestamp order
func (m *Manager) GetHistory(ctx context.Context, code string) ([]types.Message, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, role, author_id, content, level, metadata, timestamp
		FROM messages
		WHERE classroom_code = ?
		ORDER BY timestamp ASC, rowid ASC
	`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []types.Message
	for rows.Next() {
		var (
			message  types.Message
			role     string
			level    int
			metadata sql.NullString
		)
		if err := rows.Scan(&message.ID, &role, &message.AuthorID, &message.Content, &level, &metadata, &message.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		message.Role = types.Role(role)
		message.Level = types.DialogueLevel(level)
		if metadata.Valid {
			message.Metadata = &types.MessageMetadata{}
			if err := json.Unmarshal([]byte(metadata.String), message.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
			}
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// StoreVote upserts the latest snapshot of a vote
func (m *Manager) StoreVote(ctx context.Context, code string, vote *types.VoteData) error {
	data, err := json.Marshal(vote)
	if err != nil {
		return fmt.Errorf("failed to marshal vote: %w", err)
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO votes (id, classroom_code, question, data, is_ended, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				data = excluded.data,
				is_ended = excluded.is_ended,
				updated_at = CURRENT_TIMESTAMP
		`,
			vote.ID,
			code,
			vote.Question,
			string(data),
			vote.IsEnded,
			vote.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to store vote: %w", err)
		}
		return nil
	})
}

// ListVotes returns every archived vote of a classroom, oldest first
func (m *Manager) ListVotes(ctx context.Context, code string) ([]types.VoteData, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT data FROM votes WHERE classroom_code = ? ORDER BY created_at ASC, rowid ASC
	`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to query votes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var votes []types.VoteData
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan vote row: %w", err)
		}
		var vote types.VoteData
		if err := json.Unmarshal([]byte(data), &vote); err != nil {
			return nil, fmt.Errorf("failed to unmarshal vote: %w", err)
		}
		votes = append(votes, vote)
	}
	return votes, rows.Err()
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM classrooms").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
