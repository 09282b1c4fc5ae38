package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	"tipline/core/utils"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		profile_url TEXT NOT NULL DEFAULT '',
		about TEXT NOT NULL DEFAULT '',
		last_known_ip TEXT NOT NULL DEFAULT '',
		is_banned INTEGER NOT NULL DEFAULT 0,
		ban_permanent INTEGER NOT NULL DEFAULT 1,
		in_csam_incident INTEGER NOT NULL DEFAULT 0,
		registered_at TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS user_ips (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		ip TEXT NOT NULL,
		action TEXT NOT NULL DEFAULT '',
		captured_at TIMESTAMP NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS user_connected_accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		handle TEXT NOT NULL DEFAULT '',
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL DEFAULT '',
		creator_user_id INTEGER NOT NULL,
		creator_username TEXT NOT NULL DEFAULT '',
		case_id INTEGER NOT NULL DEFAULT 0,
		is_finalized INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS incident_users (
		incident_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (incident_id, user_id),
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS incident_contents (
		incident_id INTEGER NOT NULL,
		content_kind TEXT NOT NULL,
		content_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (incident_id, content_kind, content_id),
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS incident_attachments (
		incident_id INTEGER NOT NULL,
		data_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (incident_id, data_id),
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS attachment_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		user_id INTEGER NOT NULL DEFAULT 0,
		content_kind TEXT NOT NULL DEFAULT '',
		content_id INTEGER NOT NULL DEFAULT 0,
		incident_count INTEGER NOT NULL DEFAULT 0,
		uploaded_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_attachment_data_user ON attachment_data(user_id, uploaded_at);`,
	`CREATE INDEX IF NOT EXISTS idx_attachment_data_content ON attachment_data(content_kind, content_id);`,
	`CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		thread_id INTEGER NOT NULL DEFAULT 0,
		user_id INTEGER NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		delete_reason TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_posts_user ON posts(user_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS threads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		first_post_id INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		delete_reason TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS profile_posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_user_id INTEGER NOT NULL DEFAULT 0,
		user_id INTEGER NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		delete_reason TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_profile_posts_user ON profile_posts(user_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS profile_post_comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_post_id INTEGER NOT NULL DEFAULT 0,
		user_id INTEGER NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		delete_reason TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_profile_post_comments_user ON profile_post_comments(user_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS conversation_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL DEFAULT 0,
		user_id INTEGER NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		delete_reason TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_messages_user ON conversation_messages(user_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS case_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL DEFAULT '',
		creator_user_id INTEGER NOT NULL,
		creator_username TEXT NOT NULL DEFAULT '',
		incident_type TEXT NOT NULL DEFAULT '',
		annotations_json TEXT NOT NULL DEFAULT '[]',
		notes TEXT NOT NULL DEFAULT '',
		reporter_person_id INTEGER NOT NULL DEFAULT 0,
		reported_person_id INTEGER NOT NULL DEFAULT 0,
		is_finalized INTEGER NOT NULL DEFAULT 0,
		is_finished INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS persons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		birth_date TEXT NOT NULL DEFAULT '',
		age INTEGER NOT NULL DEFAULT 0,
		phones_json TEXT NOT NULL DEFAULT '[]',
		emails_json TEXT NOT NULL DEFAULT '[]',
		address_line TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		postal_code TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL DEFAULT 0,
		ncmec_report_id INTEGER NOT NULL DEFAULT 0,
		finished_on TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(case_id, user_id),
		FOREIGN KEY(case_id) REFERENCES case_files(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS report_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id INTEGER NOT NULL,
		data_id INTEGER NOT NULL DEFAULT 0,
		original_filename TEXT NOT NULL,
		ncmec_file_id TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		storage_path TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(report_id, original_filename),
		FOREIGN KEY(report_id) REFERENCES reports(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS finalize_state (
		case_id INTEGER PRIMARY KEY,
		user_ids_json TEXT NOT NULL DEFAULT '[]',
		current_index INTEGER NOT NULL DEFAULT 0,
		phase TEXT NOT NULL DEFAULT 'init',
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY(case_id) REFERENCES case_files(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS api_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		method TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		request_body TEXT NOT NULL DEFAULT '',
		response_code INTEGER NOT NULL DEFAULT 0,
		response_body TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_api_log_created ON api_log(created_at);`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		unique_key TEXT,
		payload_json TEXT NOT NULL DEFAULT '{}',
		run_after TIMESTAMP NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_unique_key ON jobs(unique_key) WHERE unique_key IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(run_after);`,
}

// ApplyMigrations brings the schema up to date. Postgres goes through goose
// with the embedded migration files; sqlite applies the inline DDL, which is
// what the test suite runs on.
func ApplyMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	isPG, err := isPostgresDB(ctx, db)
	if err != nil {
		return err
	}
	if isPG {
		return applyGooseMigrations(ctx, db, logger)
	}
	return applySQLiteMigrations(ctx, db, logger)
}

func applySQLiteMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	if logger != nil {
		logger.Printf("applying sqlite migrations")
	}
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migration #%d failed: %w", i+1, err)
		}
	}
	return nil
}

func applyGooseMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	goose.SetBaseFS(postgresMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if logger != nil {
		logger.Printf("applying postgres migrations")
	}
	return goose.UpContext(ctx, db, "migrations/postgres")
}

func isPostgresDB(ctx context.Context, db *sql.DB) (bool, error) {
	var version string
	if err := db.QueryRowContext(ctx, `SELECT sqlite_version()`).Scan(&version); err == nil {
		return false, nil
	}
	if err := db.QueryRowContext(ctx, `SELECT version()`).Scan(&version); err != nil {
		return false, fmt.Errorf("detect db dialect: %w", err)
	}
	return true, nil
}
