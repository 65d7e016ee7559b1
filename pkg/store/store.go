// Package store persists every mutable row the agent owns: conversation
// snapshots (encrypted at rest), contacts, profiles, counters, versioned
// strategies, model configs, routing rules, and daily/user context notes.
// The store is the arena; chat_id is the index. All other components talk to
// it through these typed operations and never cache rows across ticks.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/hmunoz/wagent/pkg/crypto"
	"github.com/hmunoz/wagent/pkg/db"
	"github.com/hmunoz/wagent/pkg/llm"
	"github.com/hmunoz/wagent/pkg/logger"
)

// Store provides transactional access to the agent's SQLite database.
type Store struct {
	db     *sqlx.DB
	cipher *crypto.Cipher
}

// Open opens the store at dbPath, running pending migrations.
func Open(ctx context.Context, dbPath string, cipher *crypto.Cipher) (*Store, error) {
	conn, err := db.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	runner := db.NewMigrationRunner(conn)
	if err := runner.Run(ctx, Migrations()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to run store migrations")
	}

	return &Store{db: conn, cipher: cipher}, nil
}

// New wraps an already-open database. Used by tests.
func New(conn *sqlx.DB, cipher *crypto.Cipher) *Store {
	return &Store{db: conn, cipher: cipher}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendContext inserts a new encrypted snapshot of the rolling conversation
// view. History grows append-only; readers only fetch the latest snapshot.
func (s *Store) AppendContext(ctx context.Context, chatID string, turns []llm.Message) error {
	payload, err := json.Marshal(turns)
	if err != nil {
		return errors.Wrap(err, "failed to marshal context snapshot")
	}

	token, err := s.cipher.Encrypt(string(payload))
	if err != nil {
		return errors.Wrap(err, "failed to encrypt context snapshot")
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO contexts (chat_id, payload, created_at) VALUES (?, ?, ?)",
		chatID, token, time.Now().UTC())
	return errors.Wrap(err, "failed to append context snapshot")
}

// LoadLastContext decrypts and returns the latest snapshot for the chat. A
// missing or undecryptable snapshot yields an empty sequence, not an error;
// failing here would deadlock bootstrap on a corrupted row.
func (s *Store) LoadLastContext(ctx context.Context, chatID string) ([]llm.Message, error) {
	var token string
	err := s.db.GetContext(ctx, &token,
		"SELECT payload FROM contexts WHERE chat_id = ? ORDER BY id DESC LIMIT 1", chatID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load context snapshot")
	}

	payload, err := s.cipher.DecryptAuto(token)
	if err != nil {
		logger.G(ctx).WithField("chat_id", chatID).WithError(err).Warn("undecryptable context snapshot, treating as empty history")
		return nil, nil
	}

	var turns []llm.Message
	if err := json.Unmarshal([]byte(payload), &turns); err != nil {
		logger.G(ctx).WithField("chat_id", chatID).WithError(err).Warn("malformed context snapshot, treating as empty history")
		return nil, nil
	}
	return turns, nil
}

// GetProfile returns the chat profile, or nil if none exists.
func (s *Store) GetProfile(ctx context.Context, chatID string) (*Profile, error) {
	var p Profile
	err := s.db.GetContext(ctx, &p, "SELECT * FROM profiles WHERE chat_id = ?", chatID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get profile")
	}
	return &p, nil
}

// UpsertProfile creates or partially updates the chat profile. Nil fields in
// the update are left untouched.
func (s *Store) UpsertProfile(ctx context.Context, chatID string, update ProfileUpdate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var p Profile
	err = tx.GetContext(ctx, &p, "SELECT * FROM profiles WHERE chat_id = ?", chatID)
	if err == sql.ErrNoRows {
		p = Profile{ChatID: chatID, CreatedAt: now}
	} else if err != nil {
		return errors.Wrap(err, "failed to read profile")
	}

	if update.InitialContext != nil {
		p.InitialContext = *update.InitialContext
	}
	if update.Objective != nil {
		p.Objective = *update.Objective
	}
	if update.Instructions != nil {
		p.Instructions = *update.Instructions
	}
	if update.IsReady != nil {
		p.IsReady = *update.IsReady
	}
	p.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (chat_id, initial_context, objective, instructions, is_ready, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			initial_context = excluded.initial_context,
			objective = excluded.objective,
			instructions = excluded.instructions,
			is_ready = excluded.is_ready,
			updated_at = excluded.updated_at`,
		p.ChatID, p.InitialContext, p.Objective, p.Instructions, p.IsReady, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to upsert profile")
	}

	return tx.Commit()
}

// AddOrUpdateContact creates or updates a contact. Nil fields keep their
// current value; a new contact defaults to auto_enabled=false.
func (s *Store) AddOrUpdateContact(ctx context.Context, chatID string, displayName *string, autoEnabled *bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var c Contact
	err = tx.GetContext(ctx, &c, "SELECT * FROM contacts WHERE chat_id = ?", chatID)
	if err == sql.ErrNoRows {
		c = Contact{ChatID: chatID, CreatedAt: now}
	} else if err != nil {
		return errors.Wrap(err, "failed to read contact")
	}

	if displayName != nil {
		c.DisplayName = *displayName
	}
	if autoEnabled != nil {
		c.AutoEnabled = *autoEnabled
	}
	c.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contacts (chat_id, display_name, auto_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			display_name = excluded.display_name,
			auto_enabled = excluded.auto_enabled,
			updated_at = excluded.updated_at`,
		c.ChatID, c.DisplayName, c.AutoEnabled, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to upsert contact")
	}

	return tx.Commit()
}

// GetContact returns the contact, or nil if none exists.
func (s *Store) GetContact(ctx context.Context, chatID string) (*Contact, error) {
	var c Contact
	err := s.db.GetContext(ctx, &c, "SELECT * FROM contacts WHERE chat_id = ?", chatID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get contact")
	}
	return &c, nil
}

// IsReadyToReply reports whether the chat may receive an automated reply:
// contact exists with auto_enabled AND profile exists with is_ready.
func (s *Store) IsReadyToReply(ctx context.Context, chatID string) (bool, error) {
	var ready bool
	err := s.db.GetContext(ctx, &ready, `
		SELECT COUNT(*) > 0
		FROM contacts c
		JOIN profiles p ON p.chat_id = c.chat_id
		WHERE c.chat_id = ? AND c.auto_enabled = 1 AND p.is_ready = 1`, chatID)
	if err != nil {
		return false, errors.Wrap(err, "failed to check reply readiness")
	}
	return ready, nil
}

// GetCounter returns the chat counter, or a zero-valued counter if none exists.
func (s *Store) GetCounter(ctx context.Context, chatID string) (*Counter, error) {
	var c Counter
	err := s.db.GetContext(ctx, &c, "SELECT * FROM counters WHERE chat_id = ?", chatID)
	if err == sql.ErrNoRows {
		return &Counter{ChatID: chatID}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get counter")
	}
	return &c, nil
}

// IncrementReplyCounter bumps the assistant reply count and returns the new value.
func (s *Store) IncrementReplyCounter(ctx context.Context, chatID string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO counters (chat_id, assistant_replies_count) VALUES (?, 1)
		ON CONFLICT(chat_id) DO UPDATE SET assistant_replies_count = assistant_replies_count + 1`,
		chatID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to increment reply counter")
	}

	var count int
	if err := tx.GetContext(ctx, &count, "SELECT assistant_replies_count FROM counters WHERE chat_id = ?", chatID); err != nil {
		return 0, errors.Wrap(err, "failed to read reply counter")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit reply counter")
	}
	return count, nil
}

// ResetReplyCounter sets the assistant reply count back to zero.
func (s *Store) ResetReplyCounter(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (chat_id, assistant_replies_count) VALUES (?, 0)
		ON CONFLICT(chat_id) DO UPDATE SET assistant_replies_count = 0`, chatID)
	return errors.Wrap(err, "failed to reset reply counter")
}

// StampLastReply records the authoritative "we committed to reply" instant.
// The cooldown check depends on this row.
func (s *Store) StampLastReply(ctx context.Context, chatID string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (chat_id, last_reply_at) VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET last_reply_at = excluded.last_reply_at`,
		chatID, t.UTC())
	return errors.Wrap(err, "failed to stamp last reply")
}

// RecordReply persists one completed exchange atomically: the new snapshot,
// the last_reply_at stamp and the bumped reply counter commit in a single
// transaction, so a failure cannot leave the turn appended but unstamped.
// Returns the new reply count.
func (s *Store) RecordReply(ctx context.Context, chatID string, turns []llm.Message, at time.Time) (int, error) {
	payload, err := json.Marshal(turns)
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal context snapshot")
	}
	token, err := s.cipher.Encrypt(string(payload))
	if err != nil {
		return 0, errors.Wrap(err, "failed to encrypt context snapshot")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO contexts (chat_id, payload, created_at) VALUES (?, ?, ?)",
		chatID, token, time.Now().UTC()); err != nil {
		return 0, errors.Wrap(err, "failed to append context snapshot")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO counters (chat_id, last_reply_at, assistant_replies_count) VALUES (?, ?, 1)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_reply_at = excluded.last_reply_at,
			assistant_replies_count = assistant_replies_count + 1`,
		chatID, at.UTC()); err != nil {
		return 0, errors.Wrap(err, "failed to update reply counter")
	}

	var count int
	if err := tx.GetContext(ctx, &count, "SELECT assistant_replies_count FROM counters WHERE chat_id = ?", chatID); err != nil {
		return 0, errors.Wrap(err, "failed to read reply counter")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit reply")
	}
	return count, nil
}

// GetActiveStrategy returns the chat's active strategy, or nil if none.
func (s *Store) GetActiveStrategy(ctx context.Context, chatID string) (*Strategy, error) {
	var st Strategy
	err := s.db.GetContext(ctx, &st,
		"SELECT * FROM strategies WHERE chat_id = ? AND is_active = 1", chatID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get active strategy")
	}
	return &st, nil
}

// ActivateNewStrategy deactivates the prior active strategy, inserts a new
// row with version = max + 1, and updates the counter's strategy_version and
// last_reasoned_at, all in one transaction. Returns the new version.
func (s *Store) ActivateNewStrategy(ctx context.Context, chatID, text, sourceSnapshot string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE strategies SET is_active = 0 WHERE chat_id = ? AND is_active = 1", chatID); err != nil {
		return 0, errors.Wrap(err, "failed to deactivate prior strategy")
	}

	var maxVersion int
	if err := tx.GetContext(ctx, &maxVersion,
		"SELECT COALESCE(MAX(version), 0) FROM strategies WHERE chat_id = ?", chatID); err != nil {
		return 0, errors.Wrap(err, "failed to read max strategy version")
	}

	version := maxVersion + 1
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO strategies (chat_id, version, strategy_text, source_snapshot, created_at, is_active)
		VALUES (?, ?, ?, ?, ?, 1)`,
		chatID, version, text, sourceSnapshot, now); err != nil {
		return 0, errors.Wrap(err, "failed to insert strategy")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO counters (chat_id, strategy_version, last_reasoned_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			strategy_version = excluded.strategy_version,
			last_reasoned_at = excluded.last_reasoned_at`,
		chatID, version, now); err != nil {
		return 0, errors.Wrap(err, "failed to update counter strategy version")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit strategy activation")
	}
	return version, nil
}

// ListStrategies returns all strategy versions for a chat, oldest first.
func (s *Store) ListStrategies(ctx context.Context, chatID string) ([]Strategy, error) {
	var out []Strategy
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM strategies WHERE chat_id = ? ORDER BY version", chatID)
	return out, errors.Wrap(err, "failed to list strategies")
}

// UpsertModelConfig creates or updates a named model config. New configs are
// appended at the end of the selection order.
func (s *Store) UpsertModelConfig(ctx context.Context, name, provider, config string, active bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var position int
	if err := tx.GetContext(ctx, &position,
		"SELECT COALESCE(MAX(position), 0) + 1 FROM model_configs"); err != nil {
		return errors.Wrap(err, "failed to compute model config position")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO model_configs (name, provider, config, active, position)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			provider = excluded.provider,
			config = excluded.config,
			active = excluded.active`,
		name, provider, config, active, position)
	if err != nil {
		return errors.Wrap(err, "failed to upsert model config")
	}

	return tx.Commit()
}

// ListModelConfigs returns all model configs in insertion order.
func (s *Store) ListModelConfigs(ctx context.Context) ([]ModelConfig, error) {
	var out []ModelConfig
	err := s.db.SelectContext(ctx, &out, "SELECT * FROM model_configs ORDER BY position")
	return out, errors.Wrap(err, "failed to list model configs")
}

// AddRule appends a routing rule at the end of the rule order.
func (s *Store) AddRule(ctx context.Context, name string, everyNMessages int, model string, enabled bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var position int
	if err := tx.GetContext(ctx, &position,
		"SELECT COALESCE(MAX(position), 0) + 1 FROM rules"); err != nil {
		return errors.Wrap(err, "failed to compute rule position")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rules (name, every_n_messages, model, enabled, position)
		VALUES (?, ?, ?, ?, ?)`,
		name, everyNMessages, model, enabled, position); err != nil {
		return errors.Wrap(err, "failed to insert rule")
	}

	return tx.Commit()
}

// ListRules returns all routing rules in stable position order.
func (s *Store) ListRules(ctx context.Context) ([]Rule, error) {
	var out []Rule
	err := s.db.SelectContext(ctx, &out, "SELECT * FROM rules ORDER BY position")
	return out, errors.Wrap(err, "failed to list rules")
}

// SetDailyContext creates or replaces the note for a date (YYYY-MM-DD).
func (s *Store) SetDailyContext(ctx context.Context, effectiveDate, text, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_contexts (effective_date, text, source, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(effective_date) DO UPDATE SET
			text = excluded.text,
			source = excluded.source`,
		effectiveDate, text, source, time.Now().UTC())
	return errors.Wrap(err, "failed to set daily context")
}

// GetDailyContext returns the note for a date, or nil if none.
func (s *Store) GetDailyContext(ctx context.Context, effectiveDate string) (*DailyContext, error) {
	var dc DailyContext
	err := s.db.GetContext(ctx, &dc,
		"SELECT * FROM daily_contexts WHERE effective_date = ?", effectiveDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get daily context")
	}
	return &dc, nil
}

// AddUserContext appends a free-form note for a user.
func (s *Store) AddUserContext(ctx context.Context, userID, text, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_contexts (user_id, text, source, created_at) VALUES (?, ?, ?, ?)`,
		userID, text, source, time.Now().UTC())
	return errors.Wrap(err, "failed to add user context")
}

// ListUserContexts returns the user's notes in insertion order, deduplicated
// by text (first occurrence wins).
func (s *Store) ListUserContexts(ctx context.Context, userID string) ([]UserContext, error) {
	var rows []UserContext
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM user_contexts WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list user contexts")
	}

	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, r := range rows {
		if seen[r.Text] {
			continue
		}
		seen[r.Text] = true
		out = append(out, r)
	}
	return out, nil
}
