package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/util"
)

type sqlDialect int

const (
	dialectSQLite sqlDialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders into the dialect's form.
func (d sqlDialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// sqlRepos implements the delivery log and the note outbox on top of either SQL backend.
// Both stores embed it.
type sqlRepos struct {
	db      *sql.DB
	dialect sqlDialect
	name    string // log prefix
}

var (
	_ OutboxRepo = (*SQLiteStore)(nil)
	_ OutboxRepo = (*PostgresStore)(nil)
	_ DedupRepo  = (*SQLiteStore)(nil)
	_ DedupRepo  = (*PostgresStore)(nil)
)

func (r *sqlRepos) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.dialect.rebind(query), args...)
}

// --- delivery log ---

func (r *sqlRepos) RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error) {
	result, err := r.exec(ctx,
		`INSERT INTO inbound_dedup (message_id, conversation_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, conversationID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug(r.name+".RecordInbound: duplicate", "messageID", messageID, "conversationID", conversationID)
	}
	return n > 0, nil
}

func (r *sqlRepos) MarkProcessed(ctx context.Context, messageID string) error {
	if _, err := r.exec(ctx, `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (r *sqlRepos) ForgetInbound(ctx context.Context, messageID string) error {
	if _, err := r.exec(ctx, `DELETE FROM inbound_dedup WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

func (r *sqlRepos) PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.exec(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// --- note outbox ---

const outboxColumns = `id, conversation_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

func (r *sqlRepos) EnqueueOutboxMessage(ctx context.Context, conversationID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := r.db.QueryRowContext(ctx,
			r.dialect.rebind(`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status IN ('queued', 'sending')`),
			dedupeKey,
		).Scan(&existingID)
		switch {
		case err == nil:
			slog.Debug(r.name+".EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := util.GenerateOutboxID()
	now := time.Now().UTC()
	var key any
	if dedupeKey != "" {
		key = dedupeKey
	}
	_, err := r.exec(ctx,
		`INSERT INTO outbox_messages (id, conversation_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, conversationID, kind, payloadJSON, key, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug(r.name+".EnqueueOutboxMessage", "id", id, "conversationID", conversationID, "kind", kind)
	return id, nil
}

func (r *sqlRepos) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	if r.dialect == dialectPostgres {
		rows, err := r.db.QueryContext(ctx,
			`UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
			 WHERE id IN (
			   SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			   ORDER BY created_at ASC LIMIT $2
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+outboxColumns,
			now, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
		}
		return scanOutboxMessages(rows)
	}

	// SQLite runs one writer at a time; the transaction keeps select and update together.
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	msgs, err := scanOutboxMessages(rows)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, msgs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		msgs[i].Status = OutboxStatusSending
		lockedAt := now
		msgs[i].LockedAt = &lockedAt
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due outbox messages commit failed: %w", err)
	}
	return msgs, nil
}

func (r *sqlRepos) MarkOutboxMessageSent(ctx context.Context, id string) error {
	if _, err := r.exec(ctx, `UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (r *sqlRepos) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := r.exec(ctx,
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (r *sqlRepos) GiveUpOutboxMessage(ctx context.Context, id string, errMsg string) error {
	_, err := r.exec(ctx,
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("give up outbox message failed: %w", err)
	}
	return nil
}

func (r *sqlRepos) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := r.exec(ctx,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(r.name+".RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func (r *sqlRepos) PurgeFinishedOutboxMessages(ctx context.Context, before time.Time) (int, error) {
	result, err := r.exec(ctx,
		`DELETE FROM outbox_messages WHERE status IN ('sent', 'failed', 'canceled') AND updated_at < ?`,
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func scanOutboxMessages(rows *sql.Rows) ([]OutboxMessage, error) {
	defer rows.Close()
	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var payloadJSON, dedupeKey, lastError sql.NullString
		var nextAttemptAt, lockedAt sql.NullTime
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
			&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox message failed: %w", err)
		}
		m.PayloadJSON = payloadJSON.String
		m.DedupeKey = dedupeKey.String
		m.LastError = lastError.String
		if nextAttemptAt.Valid {
			m.NextAttemptAt = &nextAttemptAt.Time
		}
		if lockedAt.Valid {
			m.LockedAt = &lockedAt.Time
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox iteration failed: %w", err)
	}
	return msgs, nil
}
