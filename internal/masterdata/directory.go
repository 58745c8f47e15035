package masterdata

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"examengine/internal/auth"

	"golang.org/x/text/language"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrPersonNotFound = errors.New("person not found")
)

// Person is a roster entry: a student, a parent, or staff.
type Person struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	GradeID   *int64    `json:"grade_id,omitempty"`
	ParentID  *int64    `json:"parent_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Locale    string    `json:"locale"`
	CreatedAt time.Time `json:"created_at"`
}

type PersonInput struct {
	Username       string
	FullName       string
	Role           string
	GradeID        *int64
	ParentUsername string
	Email          string
	Locale         string
}

type ImportReport struct {
	TotalRows   int              `json:"total_rows"`
	SuccessRows int              `json:"success_rows"`
	FailedRows  int              `json:"failed_rows"`
	Errors      []ImportRowError `json:"errors"`
}

type ImportRowError struct {
	Row      int    `json:"row"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error"`
}

type Directory struct {
	db  *sql.DB
	now func() time.Time
}

func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const personColumns = `id, username, full_name, role, grade_id, parent_id, email, locale, created_at`

func scanPerson(row interface{ Scan(dest ...any) error }) (*Person, error) {
	var (
		p        Person
		gradeID  sql.NullInt64
		parentID sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Username, &p.FullName, &p.Role, &gradeID, &parentID, &p.Email, &p.Locale, &p.CreatedAt); err != nil {
		return nil, err
	}
	if gradeID.Valid {
		v := gradeID.Int64
		p.GradeID = &v
	}
	if parentID.Valid {
		v := parentID.Int64
		p.ParentID = &v
	}
	return &p, nil
}

func (d *Directory) Get(ctx context.Context, id int64) (*Person, error) {
	p, err := scanPerson(d.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPersonNotFound
		}
		return nil, fmt.Errorf("load person: %w", err)
	}
	return p, nil
}

func (d *Directory) StudentExists(ctx context.Context, studentID int64) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users WHERE id = $1 AND role = $2
	`, studentID, auth.RoleStudent).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup student: %w", err)
	}
	return n > 0, nil
}

func (d *Directory) IsParentOf(ctx context.Context, parentID, studentID int64) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users WHERE id = $1 AND parent_id = $2
	`, studentID, parentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup guardian: %w", err)
	}
	return n > 0, nil
}

// GuardianOf returns the student's linked parent, or nil when none is set.
func (d *Directory) GuardianOf(ctx context.Context, studentID int64) (*Person, error) {
	p, err := scanPerson(d.db.QueryRowContext(ctx, `
		SELECT p.id, p.username, p.full_name, p.role, p.grade_id, p.parent_id, p.email, p.locale, p.created_at
		FROM users s
		JOIN users p ON p.id = s.parent_id
		WHERE s.id = $1
	`, studentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load guardian: %w", err)
	}
	return p, nil
}

func (d *Directory) StudentsInGrade(ctx context.Context, gradeID int64) ([]Person, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+personColumns+`
		FROM users
		WHERE grade_id = $1 AND role = $2
		ORDER BY full_name ASC, id ASC
	`, gradeID, auth.RoleStudent)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()

	out := make([]Person, 0)
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Upsert creates or updates a person keyed by username. The parent, when
// named, must already exist.
func (d *Directory) Upsert(ctx context.Context, in PersonInput) (*Person, error) {
	in = normalizePersonInput(in)
	if err := validatePersonInput(in); err != nil {
		return nil, err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var parentID any
	if in.ParentUsername != "" {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM users WHERE username = $1 AND role = $2
		`, in.ParentUsername, auth.RoleParent).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: parent %q not found", ErrInvalidInput, in.ParentUsername)
		}
		if err != nil {
			return nil, fmt.Errorf("lookup parent: %w", err)
		}
		parentID = id
	}

	var gradeID any
	if in.GradeID != nil {
		gradeID = *in.GradeID
	}

	p, err := scanPerson(tx.QueryRowContext(ctx, `
		INSERT INTO users (username, full_name, role, grade_id, parent_id, email, locale, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (username) DO UPDATE SET
			full_name = excluded.full_name,
			role = excluded.role,
			grade_id = excluded.grade_id,
			parent_id = excluded.parent_id,
			email = excluded.email,
			locale = excluded.locale
		RETURNING `+personColumns,
		in.Username, in.FullName, in.Role, gradeID, parentID, in.Email, in.Locale, d.now()))
	if err != nil {
		return nil, fmt.Errorf("upsert person: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return p, nil
}

// ImportRosterCSV upserts one person per row. Bad rows are reported and
// skipped; list parents before their children.
func (d *Directory) ImportRosterCSV(ctx context.Context, r io.Reader) (*ImportReport, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		if n := normalizeHeader(h); n != "" {
			index[n] = i
		}
	}
	for _, col := range []string{"username", "full_name", "role"} {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: missing required column %s", ErrInvalidInput, col)
		}
	}

	report := &ImportReport{Errors: make([]ImportRowError, 0)}
	rowNo := 1
	for {
		rowNo++
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			report.TotalRows++
			report.FailedRows++
			report.Errors = append(report.Errors, ImportRowError{Row: rowNo, Error: fmt.Sprintf("csv parse error: %v", err)})
			continue
		}
		if isRowEmpty(rec) {
			continue
		}
		report.TotalRows++

		in, err := personFromRecord(rec, index)
		if err == nil {
			_, err = d.Upsert(ctx, in)
		}
		if err != nil {
			report.FailedRows++
			report.Errors = append(report.Errors, ImportRowError{Row: rowNo, Username: in.Username, Error: err.Error()})
			continue
		}
		report.SuccessRows++
	}
	return report, nil
}

func personFromRecord(rec []string, index map[string]int) (PersonInput, error) {
	in := PersonInput{
		Username:       cell(rec, index, "username"),
		FullName:       cell(rec, index, "full_name"),
		Role:           cell(rec, index, "role"),
		Email:          cell(rec, index, "email"),
		Locale:         cell(rec, index, "locale"),
		ParentUsername: cell(rec, index, "parent_username"),
	}
	if raw := cell(rec, index, "grade_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return in, fmt.Errorf("%w: grade_id must be a positive integer", ErrInvalidInput)
		}
		in.GradeID = &id
	}
	return in, nil
}

func normalizePersonInput(in PersonInput) PersonInput {
	in.Username = strings.ToLower(strings.TrimSpace(in.Username))
	in.FullName = strings.TrimSpace(in.FullName)
	in.Role = strings.ToLower(strings.TrimSpace(in.Role))
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.ParentUsername = strings.ToLower(strings.TrimSpace(in.ParentUsername))
	in.Locale = strings.TrimSpace(in.Locale)
	if in.Locale == "" {
		in.Locale = "en"
	}
	return in
}

func validatePersonInput(in PersonInput) error {
	if in.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if in.FullName == "" {
		return fmt.Errorf("%w: full_name is required", ErrInvalidInput)
	}
	switch in.Role {
	case auth.RoleAdmin, auth.RoleTeacher, auth.RoleStudent, auth.RoleParent:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}
	if in.ParentUsername != "" && in.Role != auth.RoleStudent {
		return fmt.Errorf("%w: only students have a parent", ErrInvalidInput)
	}
	if in.ParentUsername == in.Username && in.Username != "" {
		return fmt.Errorf("%w: a person cannot be their own parent", ErrInvalidInput)
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return fmt.Errorf("%w: invalid email format", ErrInvalidInput)
		}
	}
	if _, err := language.Parse(in.Locale); err != nil {
		return fmt.Errorf("%w: invalid locale %q", ErrInvalidInput, in.Locale)
	}
	return nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, "-", "_")
	h = strings.ReplaceAll(h, " ", "_")
	return h
}

func cell(rec []string, idx map[string]int, key string) string {
	i, ok := idx[key]
	if !ok || i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func isRowEmpty(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
