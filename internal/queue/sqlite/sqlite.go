// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a durable queue.Queue backed by SQLite: messages
// persist across process restart, with a poll-based Dequeue (no LISTEN/
// NOTIFY in SQLite) and an idempotency key enforced by a partial unique
// index over live (non-acked) messages.
package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tombee/wkf/internal/queue"

	_ "modernc.org/sqlite"
)

var _ queue.Queue = (*Queue)(nil)

// pollInterval bounds how long Dequeue waits between polls when no message
// is yet available.
const pollInterval = 50 * time.Millisecond

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral queue.
	Path string

	// WAL enables Write-Ahead Logging for concurrent readers/writers.
	WAL bool
}

// Queue is a SQLite-backed queue.Queue.
type Queue struct {
	db      *sql.DB
	entropy *ulid.MonotonicEntropy
}

// New opens (creating if absent) a SQLite-backed queue.
func New(cfg Config) (*Queue, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	q := &Queue{db: db, entropy: ulid.Monotonic(rand.Reader, 0)}
	if err := q.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := q.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return q, nil
}

func (q *Queue) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := q.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (q *Queue) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			payload BLOB,
			idempotency_key TEXT,
			attempt INTEGER NOT NULL DEFAULT 1,
			enqueued_at TEXT NOT NULL,
			available_at TEXT NOT NULL,
			claimed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_dequeue ON messages(queue_name, claimed, available_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency ON messages(queue_name, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	}
	for _, migration := range migrations {
		if _, err := q.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (q *Queue) newMessageID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), q.entropy).String()
}

// Close implements queue.Queue.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.EnqueueOptions) (string, error) {
	if opts.IdempotencyKey != "" {
		var existing string
		err := q.db.QueryRowContext(ctx,
			`SELECT message_id FROM messages WHERE queue_name = ? AND idempotency_key = ?`,
			queueName, opts.IdempotencyKey,
		).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("check idempotency: %w", err)
		}
	}

	now := time.Now()
	availableAt := now.Add(time.Duration(queue.ClampDelay(opts.DelaySeconds)) * time.Second)
	id := q.newMessageID()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, queue_name, payload, idempotency_key, attempt, enqueued_at, available_at, claimed)
		 VALUES (?, ?, ?, ?, 1, ?, ?, 0)`,
		id, queueName, nullBytes(payload), nullString(opts.IdempotencyKey), now.Format(time.RFC3339Nano), availableAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		// A race lost to a concurrent insert with the same idempotency key
		// surfaces here as a unique constraint violation; look the winner up.
		if opts.IdempotencyKey != "" {
			var existing string
			if qerr := q.db.QueryRowContext(ctx,
				`SELECT message_id FROM messages WHERE queue_name = ? AND idempotency_key = ?`,
				queueName, opts.IdempotencyKey,
			).Scan(&existing); qerr == nil {
				return existing, nil
			}
		}
		return "", fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// Dequeue implements queue.Queue. SQLite has no wait-for-notification
// primitive analogous to Postgres LISTEN/NOTIFY, so this polls at
// pollInterval, claiming the earliest available message with an UPDATE ...
// WHERE claimed = 0, relying on SQLite's single-writer serialization to
// make the claim race-free across goroutines/processes sharing this file.
func (q *Queue) Dequeue(ctx context.Context, queueName string) (*queue.Message, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		msg, err := q.tryClaim(ctx, queueName)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryClaim(ctx context.Context, queueName string) (*queue.Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var id, payload, idempotencyKey sql.NullString
	var attempt int
	var enqueuedAt, availableAt string
	err = tx.QueryRowContext(ctx,
		`SELECT message_id, payload, idempotency_key, attempt, enqueued_at, available_at FROM messages
		 WHERE queue_name = ? AND claimed = 0 AND available_at <= ? ORDER BY available_at ASC LIMIT 1`,
		queueName, now.Format(time.RFC3339Nano),
	).Scan(&id, &payload, &idempotencyKey, &attempt, &enqueuedAt, &availableAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET claimed = 1 WHERE message_id = ?`, id.String); err != nil {
		return nil, fmt.Errorf("claim message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	enqueuedAtT, _ := time.Parse(time.RFC3339Nano, enqueuedAt)
	availableAtT, _ := time.Parse(time.RFC3339Nano, availableAt)
	return &queue.Message{
		ID:             id.String,
		QueueName:      queueName,
		Payload:        []byte(payload.String),
		IdempotencyKey: idempotencyKey.String,
		Attempt:        attempt,
		EnqueuedAt:     enqueuedAtT,
		AvailableAt:    availableAtT,
	}, nil
}

// Ack implements queue.Queue.
func (q *Queue) Ack(ctx context.Context, queueName, messageID string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM messages WHERE message_id = ? AND queue_name = ? AND claimed = 1`,
		messageID, queueName,
	)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return queue.ErrNotFound
	}
	return nil
}

// Reschedule implements queue.Queue.
func (q *Queue) Reschedule(ctx context.Context, queueName, messageID string, delaySeconds int) error {
	availableAt := time.Now().Add(time.Duration(queue.ClampDelay(delaySeconds)) * time.Second)
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages SET claimed = 0, attempt = attempt + 1, available_at = ? WHERE message_id = ? AND queue_name = ? AND claimed = 1`,
		availableAt.Format(time.RFC3339Nano), messageID, queueName,
	)
	if err != nil {
		return fmt.Errorf("reschedule message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return queue.ErrNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
