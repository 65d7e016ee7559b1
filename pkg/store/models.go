package store

import (
	"database/sql"
	"time"
)

// Contact is a WhatsApp conversation partner keyed by the chat's visible
// title/number. A contact with AutoEnabled=false never receives an automated
// reply; the outbound queue may still target them.
type Contact struct {
	ChatID      string    `db:"chat_id"`
	DisplayName string    `db:"display_name"`
	AutoEnabled bool      `db:"auto_enabled"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Profile holds the per-chat prompt inputs. Objective is the first-class
// input to the reasoner; automated replies require IsReady unless the global
// respond_to_all flag is set.
type Profile struct {
	ChatID         string    `db:"chat_id"`
	InitialContext string    `db:"initial_context"`
	Objective      string    `db:"objective"`
	Instructions   string    `db:"instructions"`
	IsReady        bool      `db:"is_ready"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// ProfileUpdate is a partial profile write; nil fields are left untouched.
type ProfileUpdate struct {
	InitialContext *string
	Objective      *string
	Instructions   *string
	IsReady        *bool
}

// Counter tracks per-chat reply accounting. LastReplyAt drives the cooldown;
// AssistantReplies reaching strategy_refresh_every triggers the reasoner.
type Counter struct {
	ChatID           string       `db:"chat_id"`
	AssistantReplies int          `db:"assistant_replies_count"`
	StrategyVersion  int          `db:"strategy_version"`
	LastReasonedAt   sql.NullTime `db:"last_reasoned_at"`
	LastReplyAt      sql.NullTime `db:"last_reply_at"`
}

// Strategy is one versioned plan for a chat. Versions are dense and 1-based;
// at most one row per chat is active.
type Strategy struct {
	ID             int64     `db:"id"`
	ChatID         string    `db:"chat_id"`
	Version        int       `db:"version"`
	StrategyText   string    `db:"strategy_text"`
	SourceSnapshot string    `db:"source_snapshot"`
	CreatedAt      time.Time `db:"created_at"`
	IsActive       bool      `db:"is_active"`
}

// ModelConfig names a generator the router may select.
type ModelConfig struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	Provider string `db:"provider"`
	Config   string `db:"config"` // provider-specific JSON blob
	Active   bool   `db:"active"`
	Position int    `db:"position"`
}

// Rule routes every Nth assistant turn to a model. Rules are walked in
// position order; position is assigned at insert.
type Rule struct {
	ID              int64  `db:"id"`
	Name            string `db:"name"`
	EveryNMessages  int    `db:"every_n_messages"`
	Model           string `db:"model"`
	Enabled         bool   `db:"enabled"`
	Position        int    `db:"position"`
}

// DailyContext is a free-form note surfaced into the prompt for one day.
type DailyContext struct {
	EffectiveDate string    `db:"effective_date"` // YYYY-MM-DD
	Text          string    `db:"text"`
	Source        string    `db:"source"`
	CreatedAt     time.Time `db:"created_at"`
}

// UserContext is a free-form per-user note surfaced into the prompt.
type UserContext struct {
	ID        int64     `db:"id"`
	UserID    string    `db:"user_id"`
	Text      string    `db:"text"`
	Source    string    `db:"source"`
	CreatedAt time.Time `db:"created_at"`
}
