package cache

import (
	migrate "github.com/rubenv/sql-migrate"
)

// migrations is the snapshot store schema. Entries are append-only.
var migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_folders_messages",
			Up: []string{
				`CREATE TABLE folders (
					folder_key TEXT PRIMARY KEY,
					account TEXT NOT NULL,
					path TEXT NOT NULL,
					highest_uid INTEGER NOT NULL DEFAULT 0,
					fetched_at INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE messages (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					folder_key TEXT NOT NULL REFERENCES folders(folder_key) ON DELETE CASCADE,
					uid INTEGER NOT NULL,
					subject TEXT NOT NULL DEFAULT '',
					from_header TEXT NOT NULL DEFAULT '',
					from_name TEXT NOT NULL DEFAULT '',
					from_email TEXT NOT NULL DEFAULT '',
					to_header TEXT NOT NULL DEFAULT '',
					cc_header TEXT NOT NULL DEFAULT '',
					received_at INTEGER NOT NULL,
					date_header TEXT NOT NULL DEFAULT '',
					message_id TEXT NOT NULL DEFAULT '',
					refs TEXT NOT NULL DEFAULT '',
					preview TEXT NOT NULL DEFAULT '',
					content_type TEXT NOT NULL DEFAULT '',
					boundary TEXT NOT NULL DEFAULT '',
					is_read INTEGER NOT NULL DEFAULT 0,
					flags TEXT NOT NULL DEFAULT '[]',
					UNIQUE(folder_key, uid)
				)`,
				`CREATE INDEX idx_messages_received ON messages(folder_key, received_at DESC)`,
				`CREATE INDEX idx_messages_from_email ON messages(from_email)`,
			},
			Down: []string{
				`DROP TABLE messages`,
				`DROP TABLE folders`,
			},
		},
		{
			Id: "0002_messages_fts",
			Up: []string{
				`CREATE VIRTUAL TABLE messages_fts USING fts5(
					subject, from_name, from_email, to_header, preview,
					content='messages', content_rowid='id'
				)`,
				`CREATE TRIGGER messages_fts_insert AFTER INSERT ON messages BEGIN
					INSERT INTO messages_fts(rowid, subject, from_name, from_email, to_header, preview)
					VALUES (new.id, new.subject, new.from_name, new.from_email, new.to_header, new.preview);
				END`,
				`CREATE TRIGGER messages_fts_delete AFTER DELETE ON messages BEGIN
					INSERT INTO messages_fts(messages_fts, rowid, subject, from_name, from_email, to_header, preview)
					VALUES ('delete', old.id, old.subject, old.from_name, old.from_email, old.to_header, old.preview);
				END`,
				`CREATE TRIGGER messages_fts_update AFTER UPDATE ON messages BEGIN
					INSERT INTO messages_fts(messages_fts, rowid, subject, from_name, from_email, to_header, preview)
					VALUES ('delete', old.id, old.subject, old.from_name, old.from_email, old.to_header, old.preview);
					INSERT INTO messages_fts(rowid, subject, from_name, from_email, to_header, preview)
					VALUES (new.id, new.subject, new.from_name, new.from_email, new.to_header, new.preview);
				END`,
			},
			Down: []string{
				`DROP TRIGGER messages_fts_update`,
				`DROP TRIGGER messages_fts_delete`,
				`DROP TRIGGER messages_fts_insert`,
				`DROP TABLE messages_fts`,
			},
		},
	},
}
