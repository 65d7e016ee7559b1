package store

import (
	"database/sql"

	"github.com/hmunoz/wagent/pkg/db"
)

// Migrations returns the schema migrations for the agent store.
func Migrations() []db.Migration {
	return []db.Migration{
		{
			Version:     20260301120000,
			Description: "create agent store schema",
			Up: func(tx *sql.Tx) error {
				schema := []string{
					`CREATE TABLE IF NOT EXISTS contexts (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						chat_id TEXT NOT NULL,
						payload TEXT NOT NULL,
						created_at DATETIME NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_contexts_chat ON contexts(chat_id, id)`,
					`CREATE TABLE IF NOT EXISTS contacts (
						chat_id TEXT PRIMARY KEY,
						display_name TEXT NOT NULL DEFAULT '',
						auto_enabled INTEGER NOT NULL DEFAULT 0,
						created_at DATETIME NOT NULL,
						updated_at DATETIME NOT NULL
					)`,
					`CREATE TABLE IF NOT EXISTS profiles (
						chat_id TEXT PRIMARY KEY,
						initial_context TEXT NOT NULL DEFAULT '',
						objective TEXT NOT NULL DEFAULT '',
						instructions TEXT NOT NULL DEFAULT '',
						is_ready INTEGER NOT NULL DEFAULT 0,
						created_at DATETIME NOT NULL,
						updated_at DATETIME NOT NULL
					)`,
					`CREATE TABLE IF NOT EXISTS counters (
						chat_id TEXT PRIMARY KEY,
						assistant_replies_count INTEGER NOT NULL DEFAULT 0,
						strategy_version INTEGER NOT NULL DEFAULT 0,
						last_reasoned_at DATETIME,
						last_reply_at DATETIME
					)`,
					`CREATE TABLE IF NOT EXISTS strategies (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						chat_id TEXT NOT NULL,
						version INTEGER NOT NULL,
						strategy_text TEXT NOT NULL,
						source_snapshot TEXT NOT NULL DEFAULT '',
						created_at DATETIME NOT NULL,
						is_active INTEGER NOT NULL DEFAULT 0,
						UNIQUE(chat_id, version)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_strategies_active ON strategies(chat_id, is_active)`,
					`CREATE TABLE IF NOT EXISTS model_configs (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL UNIQUE,
						provider TEXT NOT NULL,
						config TEXT NOT NULL DEFAULT '{}',
						active INTEGER NOT NULL DEFAULT 1,
						position INTEGER NOT NULL
					)`,
					`CREATE TABLE IF NOT EXISTS rules (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL,
						every_n_messages INTEGER NOT NULL DEFAULT 0,
						model TEXT NOT NULL,
						enabled INTEGER NOT NULL DEFAULT 1,
						position INTEGER NOT NULL
					)`,
					`CREATE TABLE IF NOT EXISTS daily_contexts (
						effective_date TEXT PRIMARY KEY,
						text TEXT NOT NULL,
						source TEXT NOT NULL DEFAULT '',
						created_at DATETIME NOT NULL
					)`,
					`CREATE TABLE IF NOT EXISTS user_contexts (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						user_id TEXT NOT NULL,
						text TEXT NOT NULL,
						source TEXT NOT NULL DEFAULT '',
						created_at DATETIME NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_user_contexts_user ON user_contexts(user_id, id)`,
				}
				for _, stmt := range schema {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
