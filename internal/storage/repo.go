package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

func (s *Store) GetConfig(ctx context.Context, name string) (string, error) {
	q := s.sql.Select("value").From("site_config").Where(sq.Eq{"name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get config query: %w", err)
	}
	var value string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get config %q: %w", name, err)
	}
	return value, nil
}

func (s *Store) SetConfig(ctx context.Context, name, value string) error {
	q := s.sql.Insert("site_config").
		Columns("name", "value", "updated_at").
		Values(name, value, nowExpr(s.driver)).
		Suffix("ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set config query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set config %q: %w", name, err)
	}
	return nil
}

func (s *Store) ListConfig(ctx context.Context) ([]ConfigValue, error) {
	q := s.sql.Select("name", "value").From("site_config").OrderBy("name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list config query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()

	out := make([]ConfigValue, 0)
	for rows.Next() {
		var c ConfigValue
		if err := rows.Scan(&c.Name, &c.Value); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpsertInstance(ctx context.Context, in Instance) error {
	settingsJSON := "{}"
	if len(in.Settings) > 0 {
		b, err := json.Marshal(in.Settings)
		if err != nil {
			return fmt.Errorf("marshal instance settings: %w", err)
		}
		settingsJSON = string(b)
	}

	q := s.sql.Insert("instances").
		Columns("id", "name", "type", "persist_convo", "enc_api_key", "settings_json").
		Values(in.ID, in.Name, in.Type, in.PersistConvo, in.EncAPIKey, settingsJSON).
		Suffix("ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, persist_convo=excluded.persist_convo, enc_api_key=excluded.enc_api_key, settings_json=excluded.settings_json")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build instance upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id int64) (Instance, error) {
	q := s.sql.Select("id", "name", "type", "persist_convo", "enc_api_key", "settings_json", "created_at").
		From("instances").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Instance{}, fmt.Errorf("build instance query: %w", err)
	}

	var in Instance
	var encAPIKey sql.NullString
	var settingsJSON string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&in.ID,
		&in.Name,
		&in.Type,
		&in.PersistConvo,
		&encAPIKey,
		&settingsJSON,
		&in.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Instance{}, ErrNotFound
		}
		return Instance{}, fmt.Errorf("get instance: %w", err)
	}
	if encAPIKey.Valid && encAPIKey.String != "" {
		in.EncAPIKey = &encAPIKey.String
	}
	in.Settings = map[string]string{}
	if strings.TrimSpace(settingsJSON) != "" {
		if err := json.Unmarshal([]byte(settingsJSON), &in.Settings); err != nil {
			return Instance{}, fmt.Errorf("parse instance settings: %w", err)
		}
	}
	return in, nil
}

func (s *Store) QuestionCount(ctx context.Context, instanceID, userID int64) (int, error) {
	q := s.sql.Select("question_counter").
		From("question_counters").
		Where(sq.Eq{"instance_id": instanceID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build question count query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get question count: %w", err)
	}
	return n, nil
}

func (s *Store) incrementQuery(instanceID, userID int64) sq.InsertBuilder {
	return s.sql.Insert("question_counters").
		Columns("instance_id", "user_id", "question_counter", "updated_at").
		Values(instanceID, userID, 1, nowExpr(s.driver)).
		Suffix("ON CONFLICT(instance_id, user_id) DO UPDATE SET question_counter=question_counters.question_counter + 1, updated_at=excluded.updated_at")
}

func (s *Store) IncrementQuestionCount(ctx context.Context, instanceID, userID int64) error {
	sqlStr, args, err := s.incrementQuery(instanceID, userID).ToSql()
	if err != nil {
		return fmt.Errorf("build increment query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("increment question count: %w", err)
	}
	return nil
}

func (s *Store) appendLogQuery(e LogEntry) sq.InsertBuilder {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return s.sql.Insert("chat_log").
		Columns("instance_id", "user_id", "session_id", "request", "response", "created_at").
		Values(e.InstanceID, e.UserID, e.SessionID, e.Request, e.Response, e.CreatedAt.UTC())
}

func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	sqlStr, args, err := s.appendLogQuery(e).ToSql()
	if err != nil {
		return fmt.Errorf("build log insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// RecordExchange appends the log row and, when charge is set, bumps the question counter in
// the same transaction.
func (s *Store) RecordExchange(ctx context.Context, e LogEntry, charge bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sqlStr, args, err := s.appendLogQuery(e).ToSql()
	if err != nil {
		return fmt.Errorf("build log insert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}

	if charge {
		sqlStr, args, err = s.incrementQuery(e.InstanceID, e.UserID).ToSql()
		if err != nil {
			return fmt.Errorf("build increment query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("increment question count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit exchange: %w", err)
	}
	return nil
}

// ListLog returns log rows oldest first. instanceID 0 lists every instance.
func (s *Store) ListLog(ctx context.Context, instanceID int64, limit uint64) ([]LogEntry, error) {
	q := s.sql.Select("id", "instance_id", "user_id", "session_id", "request", "response", "created_at").
		From("chat_log").
		OrderBy("created_at ASC", "id ASC")
	if instanceID > 0 {
		q = q.Where(sq.Eq{"instance_id": instanceID})
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list log query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list log: %w", err)
	}
	defer rows.Close()

	out := make([]LogEntry, 0)
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.UserID, &e.SessionID, &e.Request, &e.Response, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) SetTermsAccepted(ctx context.Context, instanceID, userID int64, accepted bool) error {
	q := s.sql.Insert("terms_acceptance").
		Columns("instance_id", "user_id", "accepted", "accepted_at").
		Values(instanceID, userID, accepted, nowExpr(s.driver)).
		Suffix("ON CONFLICT(instance_id, user_id) DO UPDATE SET accepted=excluded.accepted, accepted_at=excluded.accepted_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build terms upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set terms acceptance: %w", err)
	}
	return nil
}

func (s *Store) TermsAccepted(ctx context.Context, instanceID, userID int64) (bool, error) {
	q := s.sql.Select("accepted").
		From("terms_acceptance").
		Where(sq.Eq{"instance_id": instanceID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build terms query: %w", err)
	}
	var accepted bool
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&accepted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get terms acceptance: %w", err)
	}
	return accepted, nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
