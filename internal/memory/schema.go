package memory

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied idempotently at startup. Timestamps are RFC3339 strings;
// embeddings are little-endian float32 BLOBs; JSON arrays hold the set-valued
// columns. A memory cascade-deletes its preferences, relations, decay-log
// rows, and index entries; entities and memories cross-reference through the
// entity_memories join table.
var schema = []string{
	`PRAGMA journal_mode = WAL`,
	`PRAGMA foreign_keys = ON`,
	`PRAGMA busy_timeout = 5000`,

	`CREATE TABLE IF NOT EXISTS memories (
		id                     TEXT PRIMARY KEY,
		created_at             TEXT NOT NULL,
		summary                TEXT NOT NULL,
		entities               TEXT NOT NULL DEFAULT '[]',
		facts                  TEXT NOT NULL DEFAULT '[]',
		structured_facts       TEXT NOT NULL DEFAULT '[]',
		tier                   TEXT NOT NULL,
		confidence             REAL NOT NULL,
		valid_from             TEXT,
		valid_to               TEXT,
		base_importance        REAL NOT NULL,
		current_importance     REAL NOT NULL,
		last_decay_at          TEXT NOT NULL,
		access_count           INTEGER NOT NULL DEFAULT 0,
		last_accessed_at       TEXT,
		embedding              BLOB,
		is_active              INTEGER NOT NULL DEFAULT 1,
		supersedes             TEXT NOT NULL DEFAULT '[]',
		source_conversation_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_active ON memories(is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_tier ON memories(tier)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(current_importance)`,

	`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		mem_id UNINDEXED,
		summary,
		facts
	)`,

	`CREATE TABLE IF NOT EXISTS embedding_buckets (
		memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
		bucket_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_embedding_buckets_bucket ON embedding_buckets(bucket_id)`,

	`CREATE TABLE IF NOT EXISTS preferences (
		id            TEXT PRIMARY KEY,
		subject       TEXT NOT NULL,
		entity        TEXT NOT NULL,
		valence       TEXT NOT NULL,
		strength      REAL NOT NULL,
		context       TEXT NOT NULL DEFAULT '',
		confidence    REAL NOT NULL,
		memory_id     TEXT REFERENCES memories(id) ON DELETE CASCADE,
		is_active     INTEGER NOT NULL DEFAULT 1,
		superseded_by TEXT,
		created_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_preferences_entity ON preferences(entity COLLATE NOCASE)`,
	`CREATE INDEX IF NOT EXISTS idx_preferences_active ON preferences(is_active)`,

	`CREATE TABLE IF NOT EXISTS entities (
		id             TEXT PRIMARY KEY,
		canonical_name TEXT NOT NULL UNIQUE COLLATE NOCASE,
		entity_type    TEXT NOT NULL DEFAULT 'unknown',
		confidence     REAL NOT NULL,
		confirmed      INTEGER NOT NULL DEFAULT 0,
		first_seen_at  TEXT NOT NULL,
		last_seen_at   TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS entity_aliases (
		entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		alias     TEXT NOT NULL COLLATE NOCASE,
		UNIQUE(entity_id, alias)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_aliases_alias ON entity_aliases(alias COLLATE NOCASE)`,

	`CREATE TABLE IF NOT EXISTS entity_memories (
		entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		PRIMARY KEY (entity_id, memory_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_memories_memory ON entity_memories(memory_id)`,

	`CREATE TABLE IF NOT EXISTS relations (
		source_id     TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		target_id     TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		relation_type TEXT NOT NULL,
		weight        REAL NOT NULL,
		bidirectional INTEGER NOT NULL DEFAULT 0,
		UNIQUE(source_id, target_id, relation_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id)`,
	`CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id)`,

	`CREATE TABLE IF NOT EXISTS contradictions (
		id              TEXT PRIMARY KEY,
		memory_a        TEXT NOT NULL,
		memory_b        TEXT NOT NULL,
		field_path      TEXT NOT NULL DEFAULT '',
		reason          TEXT NOT NULL DEFAULT '',
		resolution      TEXT NOT NULL DEFAULT 'pending',
		resolution_note TEXT,
		detected_at     TEXT NOT NULL,
		resolved_at     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contradictions_resolution ON contradictions(resolution)`,

	`CREATE TABLE IF NOT EXISTS decay_log (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id      TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		old_importance REAL NOT NULL,
		new_importance REAL NOT NULL,
		decay_factor   REAL NOT NULL,
		reinforcement  REAL NOT NULL,
		run_at         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decay_log_memory ON decay_log(memory_id)`,

	`CREATE TABLE IF NOT EXISTS conversation_turns (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		created_at      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_turns_conv ON conversation_turns(conversation_id)`,
}

// Migrate applies the schema to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
