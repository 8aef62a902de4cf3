package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/agentworld/pkg/models"
)

// sqlBackend implements Backend over database/sql. It is shared by the
// sqlite and postgres constructors; the only dialect difference it handles
// is placeholder style.
type sqlBackend struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// q rewrites ? placeholders to $n for postgres.
func (s *sqlBackend) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *sqlBackend) SaveWorld(ctx context.Context, world *models.World) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO worlds (id, name, main_agent, variables, current_chat_id, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   main_agent = excluded.main_agent,
		   variables = excluded.variables,
		   current_chat_id = excluded.current_chat_id,
		   updated_at = excluded.updated_at`),
		world.ID, world.Name, world.MainAgent, world.Variables, world.CurrentChatID,
		fmtTime(world.CreatedAt), fmtTime(world.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save world: %w", err)
	}
	return nil
}

func (s *sqlBackend) LoadWorld(ctx context.Context, id string) (*models.World, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, name, main_agent, variables, current_chat_id, created_at, updated_at
		 FROM worlds WHERE id = ?`), id)
	return scanWorld(row)
}

func scanWorld(row interface{ Scan(...any) error }) (*models.World, error) {
	var w models.World
	var created, updated string
	err := row.Scan(&w.ID, &w.Name, &w.MainAgent, &w.Variables, &w.CurrentChatID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan world: %w", err)
	}
	w.CreatedAt = parseTime(created)
	w.UpdatedAt = parseTime(updated)
	return &w, nil
}

func (s *sqlBackend) DeleteWorld(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete world: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM worlds WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete world: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete world rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	for _, table := range []string{"agents", "chats", "events"} {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE world_id = ?`), id); err != nil {
			return fmt.Errorf("delete world %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *sqlBackend) ListWorlds(ctx context.Context) ([]*models.World, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, main_agent, variables, current_chat_id, created_at, updated_at
		 FROM worlds ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	defer rows.Close()

	var out []*models.World
	for rows.Next() {
		w, err := scanWorld(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	return out, nil
}

func (s *sqlBackend) SaveAgent(ctx context.Context, agent *models.Agent) error {
	memory, err := json.Marshal(agent.Memory)
	if err != nil {
		return fmt.Errorf("marshal agent memory: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO agents (world_id, id, name, provider, model, temperature, max_tokens,
		                     system_prompt, auto_reply, memory, llm_call_count, last_llm_call,
		                     created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(world_id, id) DO UPDATE SET
		   name = excluded.name,
		   provider = excluded.provider,
		   model = excluded.model,
		   temperature = excluded.temperature,
		   max_tokens = excluded.max_tokens,
		   system_prompt = excluded.system_prompt,
		   auto_reply = excluded.auto_reply,
		   memory = excluded.memory,
		   llm_call_count = excluded.llm_call_count,
		   last_llm_call = excluded.last_llm_call,
		   updated_at = excluded.updated_at`),
		agent.WorldID, agent.ID, agent.Name, agent.Provider, agent.Model,
		float64(agent.Temperature), agent.MaxTokens, agent.SystemPrompt, agent.AutoReply,
		string(memory), agent.LLMCallCount, fmtTime(agent.LastLLMCall),
		fmtTime(agent.CreatedAt), fmtTime(agent.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *sqlBackend) LoadAgent(ctx context.Context, worldID, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT world_id, id, name, provider, model, temperature, max_tokens,
		        system_prompt, auto_reply, memory, llm_call_count, last_llm_call,
		        created_at, updated_at
		 FROM agents WHERE world_id = ? AND id = ?`), worldID, id)
	return scanAgent(row)
}

func scanAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	var a models.Agent
	var temperature float64
	var memory, lastCall, created, updated string
	err := row.Scan(&a.WorldID, &a.ID, &a.Name, &a.Provider, &a.Model, &temperature,
		&a.MaxTokens, &a.SystemPrompt, &a.AutoReply, &memory, &a.LLMCallCount,
		&lastCall, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Temperature = float32(temperature)
	if memory != "" && memory != "null" {
		if err := json.Unmarshal([]byte(memory), &a.Memory); err != nil {
			return nil, fmt.Errorf("unmarshal agent memory: %w", err)
		}
	}
	a.LastLLMCall = parseTime(lastCall)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

func (s *sqlBackend) DeleteAgent(ctx context.Context, worldID, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM agents WHERE world_id = ? AND id = ?`), worldID, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete agent rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlBackend) ListAgents(ctx context.Context, worldID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT world_id, id, name, provider, model, temperature, max_tokens,
		        system_prompt, auto_reply, memory, llm_call_count, last_llm_call,
		        created_at, updated_at
		 FROM agents WHERE world_id = ? ORDER BY created_at`), worldID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return out, nil
}

func (s *sqlBackend) SaveChat(ctx context.Context, chat *models.Chat) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO chats (world_id, id, title, created_at, updated_at)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT(world_id, id) DO UPDATE SET
		   title = excluded.title,
		   updated_at = excluded.updated_at`),
		chat.WorldID, chat.ID, chat.Title, fmtTime(chat.CreatedAt), fmtTime(chat.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	return nil
}

func (s *sqlBackend) LoadChat(ctx context.Context, worldID, chatID string) (*models.Chat, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT world_id, id, title, created_at, updated_at
		 FROM chats WHERE world_id = ? AND id = ?`), worldID, chatID)

	var c models.Chat
	var created, updated string
	err := row.Scan(&c.WorldID, &c.ID, &c.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat: %w", err)
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func (s *sqlBackend) ListChats(ctx context.Context, worldID string) ([]*models.Chat, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT world_id, id, title, created_at, updated_at
		 FROM chats WHERE world_id = ? ORDER BY created_at`), worldID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []*models.Chat
	for rows.Next() {
		var c models.Chat
		var created, updated string
		if err := rows.Scan(&c.WorldID, &c.ID, &c.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return out, nil
}

func (s *sqlBackend) DeleteChat(ctx context.Context, worldID, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM chats WHERE world_id = ? AND id = ?`), worldID, chatID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete chat rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM events WHERE world_id = ? AND chat_id = ?`), worldID, chatID); err != nil {
		return fmt.Errorf("delete chat events: %w", err)
	}
	return tx.Commit()
}

func (s *sqlBackend) UpdateChatTitle(ctx context.Context, worldID, chatID, expectedOldTitle, newTitle string) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE chats SET title = ?, updated_at = ?
		 WHERE world_id = ? AND id = ? AND title = ?`),
		newTitle, fmtTime(time.Now()), worldID, chatID, expectedOldTitle)
	if err != nil {
		return fmt.Errorf("update chat title: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update chat title rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.LoadChat(ctx, worldID, chatID); err != nil {
		return err
	}
	return ErrTitleConflict
}

// AppendEvent assigns seq inside a transaction. The UNIQUE(world_id, chat_id,
// seq) constraint catches concurrent writers; on conflict the transaction is
// retried with a fresh seq.
func (s *sqlBackend) AppendEvent(ctx context.Context, record *models.EventRecord) (int64, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		seq, err := s.tryAppendEvent(ctx, record)
		if err == nil {
			record.Seq = seq
			return seq, nil
		}
		lastErr = err
		if !isUniqueViolation(err) {
			break
		}
		s.logger.Debug("event seq conflict, retrying",
			"world_id", record.WorldID, "chat_id", record.ChatID, "attempt", i+1)
	}
	return 0, fmt.Errorf("append event: %w", lastErr)
}

func (s *sqlBackend) tryAppendEvent(ctx context.Context, record *models.EventRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx, s.q(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE world_id = ? AND chat_id = ?`),
		record.WorldID, record.ChatID).Scan(&seq)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO events (id, world_id, chat_id, seq, type, payload, meta, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`),
		record.ID, record.WorldID, record.ChatID, seq, string(record.Type),
		string(record.Payload), string(record.Meta), fmtTime(record.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "23505")
}

func (s *sqlBackend) Events(ctx context.Context, query EventQuery) ([]*models.EventRecord, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, world_id, chat_id, seq, type, payload, meta, created_at
		FROM events WHERE world_id = ?`)
	args := []any{query.WorldID}

	if query.ChatID != nil {
		b.WriteString(" AND chat_id = ?")
		args = append(args, *query.ChatID)
	}
	if query.Type != "" {
		b.WriteString(" AND type = ?")
		args = append(args, string(query.Type))
	}
	if query.StartSeq > 0 {
		b.WriteString(" AND seq >= ?")
		args = append(args, query.StartSeq)
	}
	if query.EndSeq > 0 {
		b.WriteString(" AND seq <= ?")
		args = append(args, query.EndSeq)
	}
	if !query.StartDate.IsZero() {
		b.WriteString(" AND created_at >= ?")
		args = append(args, fmtTime(query.StartDate))
	}
	if !query.EndDate.IsZero() {
		b.WriteString(" AND created_at <= ?")
		args = append(args, fmtTime(query.EndDate))
	}
	b.WriteString(" ORDER BY chat_id, seq")
	if query.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, query.Limit)
	}
	if query.Offset > 0 {
		b.WriteString(" OFFSET ?")
		args = append(args, query.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.q(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*models.EventRecord
	for rows.Next() {
		var rec models.EventRecord
		var eventType, payload, meta, created string
		if err := rows.Scan(&rec.ID, &rec.WorldID, &rec.ChatID, &rec.Seq,
			&eventType, &payload, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Type = models.EventType(eventType)
		if payload != "" {
			rec.Payload = json.RawMessage(payload)
		}
		if meta != "" {
			rec.Meta = json.RawMessage(meta)
		}
		rec.CreatedAt = parseTime(created)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

func (s *sqlBackend) DeleteEvents(ctx context.Context, worldID, chatID string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM events WHERE world_id = ? AND chat_id = ?`), worldID, chatID)
	if err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

func (s *sqlBackend) Close() error {
	return s.db.Close()
}
