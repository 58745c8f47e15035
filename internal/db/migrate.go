package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schema uses {{id}}, {{ref}}, {{ts}} and {{num}} markers that Migrate
// rewrites per dialect. Statements are separated by a line holding only ";".
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id {{id}},
	username TEXT NOT NULL UNIQUE,
	full_name TEXT NOT NULL,
	role TEXT NOT NULL,
	grade_id {{ref}},
	parent_id {{ref}},
	email TEXT NOT NULL DEFAULT '',
	locale TEXT NOT NULL DEFAULT 'en',
	created_at {{ts}} NOT NULL
)
;
CREATE INDEX IF NOT EXISTS idx_users_grade ON users (grade_id, role)
;
CREATE TABLE IF NOT EXISTS exams (
	id {{id}},
	teacher_id {{ref}} NOT NULL,
	grade_id {{ref}},
	subject_id {{ref}},
	title TEXT NOT NULL,
	exam_date {{ts}} NOT NULL,
	duration_minutes INTEGER,
	end_date {{ts}},
	total_marks INTEGER NOT NULL DEFAULT 0,
	passing_score INTEGER NOT NULL DEFAULT 50,
	result_configuration TEXT NOT NULL DEFAULT 'MANUAL',
	published BOOLEAN NOT NULL DEFAULT TRUE,
	created_at {{ts}} NOT NULL
)
;
CREATE TABLE IF NOT EXISTS questions (
	id {{id}},
	exam_id {{ref}} NOT NULL REFERENCES exams (id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	image_url TEXT NOT NULL DEFAULT '',
	marks INTEGER NOT NULL DEFAULT 0 CHECK (marks >= 0),
	question_type TEXT NOT NULL DEFAULT 'SINGLE_CHOICE',
	sort_order INTEGER NOT NULL DEFAULT 0
)
;
CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions (exam_id, sort_order)
;
CREATE TABLE IF NOT EXISTS question_options (
	id {{id}},
	question_id {{ref}} NOT NULL REFERENCES questions (id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	image_url TEXT NOT NULL DEFAULT '',
	is_correct BOOLEAN NOT NULL DEFAULT FALSE,
	sort_order INTEGER NOT NULL DEFAULT 0
)
;
CREATE INDEX IF NOT EXISTS idx_question_options_question ON question_options (question_id)
;
CREATE TABLE IF NOT EXISTS exam_executions (
	id {{id}},
	exam_id {{ref}} NOT NULL REFERENCES exams (id),
	student_id {{ref}} NOT NULL,
	status TEXT NOT NULL,
	started_at {{ts}} NOT NULL,
	submitted_at {{ts}},
	score INTEGER,
	answers TEXT NOT NULL DEFAULT '{}',
	result_synced_at {{ts}},
	UNIQUE (exam_id, student_id)
)
;
CREATE INDEX IF NOT EXISTS idx_exam_executions_unsynced ON exam_executions (status, result_synced_at)
;
CREATE TABLE IF NOT EXISTS exam_results (
	id {{id}},
	exam_id {{ref}} NOT NULL REFERENCES exams (id),
	student_id {{ref}} NOT NULL,
	grade {{num}},
	status TEXT NOT NULL DEFAULT 'PENDING',
	submitted_at {{ts}},
	graded_at {{ts}},
	updated_at {{ts}} NOT NULL,
	UNIQUE (exam_id, student_id)
)
;
CREATE INDEX IF NOT EXISTS idx_exam_results_student ON exam_results (student_id)
`

var dialects = map[string]*strings.Replacer{
	DriverPostgres: strings.NewReplacer(
		"{{id}}", "BIGSERIAL PRIMARY KEY",
		"{{ref}}", "BIGINT",
		"{{ts}}", "TIMESTAMPTZ",
		"{{num}}", "NUMERIC(8,2)",
	),
	DriverSQLite: strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{ref}}", "INTEGER",
		"{{ts}}", "TIMESTAMP",
		"{{num}}", "NUMERIC",
	),
}

// Migrate creates the schema if it does not exist yet. It is safe to run on
// every boot.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	if driver == "postgres" {
		driver = DriverPostgres
	}
	r, ok := dialects[driver]
	if !ok {
		return fmt.Errorf("unsupported db driver %q", driver)
	}

	stmts := strings.Split(r.Replace(schema), "\n;\n")
	for i, stmt := range stmts {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i+1, err)
		}
	}
	slog.Debug("schema migrated", "driver", driver, "statements", len(stmts))
	return nil
}
