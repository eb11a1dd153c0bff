package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"switchboard/pkg/bus"
	"switchboard/pkg/logx"
	"switchboard/pkg/metrics"
	"switchboard/pkg/proto"
)

// RecoveryMarker is written to last_error when a stale claim is reclaimed.
const RecoveryMarker = "recovered: stale claim returned to queue"

// Store owns the messages and responses tables. All mutation of queue rows
// goes through this type.
type Store struct {
	db         *sql.DB
	events     *bus.Bus
	logger     *logx.Logger
	maxRetries int
}

// NewStore wraps an open queue database. events may be nil (no signals).
func NewStore(db *sql.DB, maxRetries int, events *bus.Bus) *Store {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Store{
		db:         db,
		events:     events,
		logger:     logx.NewLogger("queue"),
		maxRetries: maxRetries,
	}
}

// MaxRetries returns the dead-letter threshold.
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

func (s *Store) publish(ev proto.Event) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func encodeFiles(files []string) (sql.NullString, error) {
	if len(files) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(files)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode files: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeFiles(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var files []string
	if err := json.Unmarshal([]byte(raw.String), &files); err != nil {
		return nil
	}
	return files
}

// EnqueueMessage inserts a pending message row and signals message_enqueued.
// The message's MessageID must be unique; a duplicate returns an error.
func (s *Store) EnqueueMessage(m *proto.Message) (int64, error) {
	files, err := encodeFiles(m.Files)
	if err != nil {
		return 0, err
	}
	now := nowMs()

	res, err := s.db.Exec(`
		INSERT INTO messages (
			message_id, channel, sender, sender_id, body, files,
			agent, conversation_id, from_agent,
			status, retry_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)`,
		m.MessageID, m.Channel, m.Sender, m.SenderID, m.Body, files,
		nullable(m.Agent), nullable(m.ConversationID), nullable(m.FromAgent),
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue message %s: %w", m.MessageID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}

	metrics.MessagesEnqueued.Inc()
	ev := proto.NewEvent(proto.EventMessageEnqueued)
	ev.MessageID = m.MessageID
	ev.AgentID = m.Agent
	ev.ConversationID = m.ConversationID
	s.publish(ev)

	s.logger.Debug("Enqueued message %s (agent=%q, internal=%v)", m.MessageID, m.Agent, m.IsInternal())
	return id, nil
}

const messageColumns = `id, message_id, channel, sender, sender_id, body, files,
	agent, conversation_id, from_agent, status, retry_count, last_error,
	claimed_by, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*proto.Message, error) {
	var (
		m                        proto.Message
		files                    sql.NullString
		agent, convID, fromAgent sql.NullString
		lastError, claimedBy     sql.NullString
		createdAt, updatedAt     int64
	)
	err := row.Scan(
		&m.ID, &m.MessageID, &m.Channel, &m.Sender, &m.SenderID, &m.Body, &files,
		&agent, &convID, &fromAgent, &m.Status, &m.RetryCount, &lastError,
		&claimedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Files = decodeFiles(files)
	m.Agent = agent.String
	m.ConversationID = convID.String
	m.FromAgent = fromAgent.String
	m.LastError = lastError.String
	m.ClaimedBy = claimedBy.String
	m.CreatedAt = time.UnixMilli(createdAt)
	m.UpdatedAt = time.UnixMilli(updatedAt)
	return &m, nil
}

// ClaimNext atomically claims the oldest pending message for agentID.
// The "default" agent also claims rows whose agent field is unset. Returns
// nil when nothing is pending. At most one claimer can win a given row: the
// transition runs in a single transaction over the single writer connection.
func (s *Store) ClaimNext(agentID string) (*proto.Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	where := "status = 'pending' AND agent = ?"
	args := []any{agentID}
	if agentID == proto.DefaultAgent {
		where = "status = 'pending' AND (agent IS NULL OR agent = '' OR agent = ?)"
	}

	//nolint:gosec // column list and where clause are compile-time constants
	query := "SELECT " + messageColumns + " FROM messages WHERE " + where +
		" ORDER BY created_at ASC, id ASC LIMIT 1"

	msg, err := scanMessage(tx.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable message: %w", err)
	}

	now := nowMs()
	res, err := tx.Exec(`
		UPDATE messages SET status = 'processing', claimed_by = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		agentID, now, msg.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim message %d: %w", msg.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}
	if affected == 0 {
		// Lost the race inside the same transaction scope; treat as empty.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	msg.Status = proto.StatusProcessing
	msg.ClaimedBy = agentID
	msg.UpdatedAt = time.UnixMilli(now)
	return msg, nil
}

// Complete marks a message done.
func (s *Store) Complete(id int64) error {
	_, err := s.db.Exec(
		"UPDATE messages SET status = 'completed', updated_at = ? WHERE id = ?",
		nowMs(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete message %d: %w", id, err)
	}
	metrics.MessagesCompleted.Inc()
	return nil
}

// Fail records a processing failure. Below the retry limit the row returns
// to pending with its claim cleared; at the limit it is dead-lettered.
func (s *Store) Fail(id int64, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var retryCount int
	if err := tx.QueryRow("SELECT retry_count FROM messages WHERE id = ?", id).Scan(&retryCount); err != nil {
		return fmt.Errorf("failed to read retry count for %d: %w", id, err)
	}
	retryCount++

	status := proto.StatusPending
	if retryCount >= s.maxRetries {
		status = proto.StatusDead
	}
	_, err = tx.Exec(`
		UPDATE messages
		SET status = ?, retry_count = ?, last_error = ?, claimed_by = NULL, updated_at = ?
		WHERE id = ?`,
		string(status), retryCount, errMsg, nowMs(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to fail message %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fail: %w", err)
	}

	if status == proto.StatusDead {
		metrics.MessagesDead.Inc()
		s.logger.Warn("Message %d dead-lettered after %d attempts: %s", id, retryCount, errMsg)
	} else {
		s.logger.Info("Message %d failed (attempt %d/%d): %s", id, retryCount, s.maxRetries, errMsg)
	}
	return nil
}

// FailPermanently dead-letters a message without spending retries. Used
// when no retry can ever succeed, such as routing with no agents configured.
func (s *Store) FailPermanently(id int64, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE messages
		SET status = 'dead', last_error = ?, claimed_by = NULL, updated_at = ?
		WHERE id = ?`,
		errMsg, nowMs(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to dead-letter message %d: %w", id, err)
	}
	metrics.MessagesDead.Inc()
	s.logger.Warn("Message %d dead-lettered permanently: %s", id, errMsg)
	return nil
}

// RecoverStale returns every processing row older than threshold to pending
// (or dead once the retry budget is spent). Recovery counts as a retry
// attempt. A zero threshold reclaims every in-flight row; the dispatcher
// calls that at boot.
func (s *Store) RecoverStale(threshold time.Duration) (int, error) {
	cutoff := nowMs() - threshold.Milliseconds()

	rows, err := s.db.Query(
		"SELECT id, retry_count FROM messages WHERE status = 'processing' AND updated_at <= ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to query stale messages: %w", err)
	}
	type stale struct {
		id    int64
		retry int
	}
	var stales []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.retry); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan stale row: %w", err)
		}
		stales = append(stales, st)
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("failed to close stale rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("stale row iteration error: %w", err)
	}

	recovered := 0
	for _, st := range stales {
		retry := st.retry + 1
		status := proto.StatusPending
		if retry >= s.maxRetries {
			status = proto.StatusDead
		}
		_, err := s.db.Exec(`
			UPDATE messages
			SET status = ?, retry_count = ?, last_error = ?, claimed_by = NULL, updated_at = ?
			WHERE id = ? AND status = 'processing'`,
			string(status), retry, RecoveryMarker, nowMs(), st.id,
		)
		if err != nil {
			return recovered, fmt.Errorf("failed to recover message %d: %w", st.id, err)
		}
		recovered++
		if status == proto.StatusDead {
			metrics.MessagesDead.Inc()
			s.logger.Warn("Stale message %d dead-lettered after %d attempts", st.id, retry)
		}
	}

	if recovered > 0 {
		s.logger.Info("Recovered %d stale message(s) (threshold %s)", recovered, threshold)
	}
	return recovered, nil
}

// PendingAgents returns the distinct agent tags with pending work. Rows with
// no agent map to the default tag.
func (s *Store) PendingAgents() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT agent FROM messages WHERE status = 'pending'")
	if err != nil {
		return nil, fmt.Errorf("failed to query pending agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string]bool)
	var agents []string
	for rows.Next() {
		var agent sql.NullString
		if err := rows.Scan(&agent); err != nil {
			return nil, fmt.Errorf("failed to scan agent tag: %w", err)
		}
		tag := agent.String
		if tag == "" {
			tag = proto.DefaultAgent
		}
		if !seen[tag] {
			seen[tag] = true
			agents = append(agents, tag)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent tag iteration error: %w", err)
	}
	return agents, nil
}

// EnqueueResponse inserts a pending response row.
func (s *Store) EnqueueResponse(r *proto.Response) (int64, error) {
	files, err := encodeFiles(r.Files)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`
		INSERT INTO responses (
			message_id, channel, sender, sender_id, body, original_message,
			agent, files, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		r.MessageID, r.Channel, r.Sender, r.SenderID, r.Body, r.OriginalMessage,
		nullable(r.Agent), files, nowMs(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue response for %s: %w", r.MessageID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted response id: %w", err)
	}
	metrics.ResponsesEmitted.Inc()
	return id, nil
}

// AckResponse marks a response delivered. Idempotent: acking an acked row
// keeps its original acked_at.
func (s *Store) AckResponse(id int64) error {
	res, err := s.db.Exec(
		"UPDATE responses SET status = 'acked', acked_at = COALESCE(acked_at, ?) WHERE id = ?",
		nowMs(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to ack response %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read ack result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("response %d not found", id)
	}
	return nil
}

const responseColumns = `id, message_id, channel, sender, sender_id, body,
	original_message, agent, files, status, created_at, acked_at`

func scanResponse(row interface{ Scan(...any) error }) (*proto.Response, error) {
	var (
		r         proto.Response
		agent     sql.NullString
		files     sql.NullString
		createdAt int64
		ackedAt   sql.NullInt64
	)
	err := row.Scan(
		&r.ID, &r.MessageID, &r.Channel, &r.Sender, &r.SenderID, &r.Body,
		&r.OriginalMessage, &agent, &files, &r.Status, &createdAt, &ackedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Agent = agent.String
	r.Files = decodeFiles(files)
	r.CreatedAt = time.UnixMilli(createdAt)
	if ackedAt.Valid {
		t := time.UnixMilli(ackedAt.Int64)
		r.AckedAt = &t
	}
	return &r, nil
}

func (s *Store) queryResponses(query string, args ...any) ([]*proto.Response, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*proto.Response
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("response iteration error: %w", err)
	}
	return out, nil
}

// PendingResponses returns undelivered responses for a channel in creation
// order.
func (s *Store) PendingResponses(channel string) ([]*proto.Response, error) {
	//nolint:gosec // constant column list
	return s.queryResponses(
		"SELECT "+responseColumns+" FROM responses WHERE channel = ? AND status = 'pending' ORDER BY created_at ASC, id ASC",
		channel,
	)
}

// RecentResponses returns the newest responses, optionally filtered to a set
// of agent ids.
func (s *Store) RecentResponses(agents []string, limit int) ([]*proto.Response, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + responseColumns + " FROM responses"
	var args []any
	if len(agents) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(agents)), ",")
		query += " WHERE agent IN (" + placeholders + ")"
		for _, a := range agents {
			args = append(args, a)
		}
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)
	return s.queryResponses(query, args...)
}

func (s *Store) queryMessages(query string, args ...any) ([]*proto.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*proto.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message iteration error: %w", err)
	}
	return out, nil
}

// RecentMessages returns the newest top-level (non-internal) messages,
// optionally filtered to a set of agent ids.
func (s *Store) RecentMessages(agents []string, limit int) ([]*proto.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + messageColumns + " FROM messages WHERE from_agent IS NULL"
	var args []any
	if len(agents) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(agents)), ",")
		query += " AND agent IN (" + placeholders + ")"
		for _, a := range agents {
			args = append(args, a)
		}
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)
	return s.queryMessages(query, args...)
}

// DeadMessages returns dead-lettered rows for manual intervention.
func (s *Store) DeadMessages(limit int) ([]*proto.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMessages(
		"SELECT "+messageColumns+" FROM messages WHERE status = 'dead' ORDER BY updated_at DESC LIMIT ?",
		limit,
	)
}

// RetryDead returns a dead message to pending with a fresh retry budget.
func (s *Store) RetryDead(id int64) error {
	res, err := s.db.Exec(`
		UPDATE messages
		SET status = 'pending', retry_count = 0, last_error = NULL, claimed_by = NULL, updated_at = ?
		WHERE id = ? AND status = 'dead'`,
		nowMs(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to retry dead message %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read retry result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("dead message %d not found", id)
	}

	ev := proto.NewEvent(proto.EventMessageEnqueued)
	s.publish(ev)
	return nil
}

// DeleteDead removes a dead message permanently.
func (s *Store) DeleteDead(id int64) error {
	res, err := s.db.Exec("DELETE FROM messages WHERE id = ? AND status = 'dead'", id)
	if err != nil {
		return fmt.Errorf("failed to delete dead message %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("dead message %d not found", id)
	}
	return nil
}

// PruneCompleted deletes completed messages older than the retention age.
func (s *Store) PruneCompleted(olderThan time.Duration) (int64, error) {
	cutoff := nowMs() - olderThan.Milliseconds()
	res, err := s.db.Exec(
		"DELETE FROM messages WHERE status = 'completed' AND updated_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune completed messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result: %w", err)
	}
	return n, nil
}

// PruneAcked deletes acked responses older than the retention age.
func (s *Store) PruneAcked(olderThan time.Duration) (int64, error) {
	cutoff := nowMs() - olderThan.Milliseconds()
	res, err := s.db.Exec(
		"DELETE FROM responses WHERE status = 'acked' AND acked_at IS NOT NULL AND acked_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune acked responses: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result: %w", err)
	}
	return n, nil
}

// Counts aggregates queue state for the status endpoint.
type Counts struct {
	Pending          int `json:"pending"`
	Processing       int `json:"processing"`
	Completed        int `json:"completed"`
	Dead             int `json:"dead"`
	ResponsesPending int `json:"responsesPending"`
}

// Status returns row counts by state.
func (s *Store) Status() (Counts, error) {
	var c Counts
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM messages GROUP BY status")
	if err != nil {
		return c, fmt.Errorf("failed to count messages: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return c, fmt.Errorf("failed to scan count: %w", err)
		}
		switch proto.MessageStatus(status) {
		case proto.StatusPending:
			c.Pending = n
		case proto.StatusProcessing:
			c.Processing = n
		case proto.StatusCompleted:
			c.Completed = n
		case proto.StatusDead:
			c.Dead = n
		}
	}
	if err := rows.Close(); err != nil {
		return c, fmt.Errorf("failed to close count rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("count iteration error: %w", err)
	}

	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM responses WHERE status = 'pending'",
	).Scan(&c.ResponsesPending); err != nil {
		return c, fmt.Errorf("failed to count pending responses: %w", err)
	}

	metrics.QueueDepth.WithLabelValues("pending").Set(float64(c.Pending))
	metrics.QueueDepth.WithLabelValues("processing").Set(float64(c.Processing))
	metrics.QueueDepth.WithLabelValues("dead").Set(float64(c.Dead))
	return c, nil
}
