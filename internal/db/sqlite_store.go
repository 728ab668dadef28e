package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
	"github.com/soaringjerry/surveyengine/internal/services"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is the durable services.Store.
type SQLiteStore struct {
	db   *sql.DB
	q    querier
	inTx bool
	now  func() time.Time
}

var _ services.Store = (*SQLiteStore)(nil)

// Open opens (creating its directory when needed) the database file at path
// with WAL journaling, foreign keys and a busy timeout. Write transactions
// take the lock up front so concurrent writers wait instead of failing
// mid-transaction.
func Open(path string, busyTimeout time.Duration) (*sql.DB, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	if clean == "" || clean == "." {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(clean); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_synchronous=NORMAL&_txlock=immediate&_busy_timeout=%d",
		filepath.ToSlash(clean), busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	return &SQLiteStore{db: db, q: db, now: time.Now}, nil
}

// OpenStore opens the database at path and applies pending migrations.
func OpenStore(ctx context.Context, path string, busyTimeout time.Duration, migrationsDir string) (*SQLiteStore, error) {
	sqlDB, err := Open(path, busyTimeout)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, sqlDB, migrationsDir); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return NewSQLiteStore(sqlDB)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// WithTx runs fn in one database transaction. Nested calls join the
// enclosing transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx services.Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = classify(fmt.Errorf("commit tx: %w", cerr))
		}
	}()
	return fn(&SQLiteStore{db: s.db, q: tx, inTx: true, now: s.now})
}

// classify maps driver errors onto the storage sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %w", models.ErrTransient, err)
	case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%w: %w", models.ErrDuplicate, err)
	}
	return err
}

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", ns.String, err)
	}
	return &t, nil
}

// --- answers ---

const answerColumns = "id, respondent_id, survey_id, key, question_id, display_text, text_value, deleted, saved_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanAnswer(sc scanner) (*models.Answer, error) {
	var (
		a       models.Answer
		key     string
		value   sql.NullString
		deleted int64
		saved   sql.NullString
	)
	if err := sc.Scan(&a.ID, &a.RespondentID, &a.SurveyID, &key, &a.QuestionID, &a.DisplayText, &value, &deleted, &saved); err != nil {
		return nil, err
	}
	k, err := hkey.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("answer %d: %w", a.ID, err)
	}
	a.Key = k
	if value.Valid {
		a.TextValue = models.StringPtr(value.String)
	}
	a.Deleted = deleted != 0
	if a.SavedAt, err = parseTime(saved); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) CountAnswers(ctx context.Context, respondentID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM answers WHERE respondent_id = ?", respondentID).Scan(&n)
	if err != nil {
		return 0, classify(fmt.Errorf("count answers: %w", err))
	}
	return n, nil
}

func (s *SQLiteStore) ListAnswers(ctx context.Context, respondentID string, q services.AnswerQuery) ([]*models.Answer, error) {
	query := "SELECT " + answerColumns + " FROM answers WHERE respondent_id = ?"
	args := []any{respondentID}
	if q.Prefix != "" {
		query += " AND key LIKE ?"
		args = append(args, q.Prefix)
	}
	if !q.IncludeDeleted {
		query += " AND deleted = 0"
	}
	query += " ORDER BY key ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list answers: %w", err))
	}
	defer rows.Close()
	var out []*models.Answer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("list answers: %w", err))
	}
	return out, nil
}

func (s *SQLiteStore) GetAnswer(ctx context.Context, id int64) (*models.Answer, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+answerColumns+" FROM answers WHERE id = ?", id)
	a, err := scanAnswer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get answer %d: %w", id, err))
	}
	return a, nil
}

// InsertAnswers writes rows in order and assigns their IDs. Callers that
// need all-or-nothing behaviour run it inside WithTx.
func (s *SQLiteStore) InsertAnswers(ctx context.Context, answers []*models.Answer) error {
	for _, a := range answers {
		if err := a.Key.Validate(); err != nil {
			return err
		}
	}
	for _, a := range answers {
		var value sql.NullString
		if a.TextValue != nil {
			value = sql.NullString{String: *a.TextValue, Valid: true}
		}
		res, err := s.q.ExecContext(ctx,
			`INSERT INTO answers (respondent_id, survey_id, key, question_id, display_text, text_value, deleted, saved_at)
      VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.RespondentID, a.SurveyID, a.Key.String(), a.QuestionID, a.DisplayText, value, boolToInt64(a.Deleted), formatTime(a.SavedAt))
		if err != nil {
			return classify(fmt.Errorf("insert answer %s: %w", a.Key, err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert answer id: %w", err)
		}
		a.ID = id
	}
	return nil
}

func (s *SQLiteStore) UpdateAnswer(ctx context.Context, a *models.Answer) error {
	var value sql.NullString
	if a.TextValue != nil {
		value = sql.NullString{String: *a.TextValue, Valid: true}
	}
	res, err := s.q.ExecContext(ctx,
		"UPDATE answers SET text_value = ?, saved_at = ?, deleted = ? WHERE id = ?",
		value, formatTime(a.SavedAt), boolToInt64(a.Deleted), a.ID)
	if err != nil {
		return classify(fmt.Errorf("update answer %d: %w", a.ID, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return services.NewNotFoundError("answer not found")
	}
	return nil
}

func (s *SQLiteStore) SetAnswersDeleted(ctx context.Context, ids []int64, deleted bool) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, boolToInt64(deleted))
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.q.ExecContext(ctx, "UPDATE answers SET deleted = ? WHERE id IN ("+placeholders+")", args...); err != nil {
		return classify(fmt.Errorf("set answers deleted: %w", err))
	}
	return nil
}

func (s *SQLiteStore) PurgeDeletedAnswers(ctx context.Context, respondentID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, "DELETE FROM answers WHERE respondent_id = ? AND deleted = 1", respondentID)
	if err != nil {
		return 0, classify(fmt.Errorf("purge answers: %w", err))
	}
	return res.RowsAffected()
}

// --- respondents ---

const respondentColumns = "id, token, survey_id, active, first_access_at, finalized_at, completed_at, login_count, created_at"

func scanRespondent(sc scanner) (*models.Respondent, error) {
	var (
		r            models.Respondent
		active       int64
		first, final sql.NullString
		done, cre    sql.NullString
		err          error
	)
	if err = sc.Scan(&r.ID, &r.Token, &r.SurveyID, &active, &first, &final, &done, &r.LoginCount, &cre); err != nil {
		return nil, err
	}
	r.Active = active != 0
	if r.FirstAccessAt, err = parseTime(first); err != nil {
		return nil, err
	}
	if r.FinalizedAt, err = parseTime(final); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = parseTime(done); err != nil {
		return nil, err
	}
	created, err := parseTime(cre)
	if err != nil {
		return nil, err
	}
	if created != nil {
		r.CreatedAt = *created
	}
	return &r, nil
}

func (s *SQLiteStore) CreateRespondent(ctx context.Context, r *models.Respondent) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO respondents (`+respondentColumns+`)
      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Token, r.SurveyID, boolToInt64(r.Active), formatTime(r.FirstAccessAt), formatTime(r.FinalizedAt), formatTime(r.CompletedAt), r.LoginCount, formatTime(&created))
	if err != nil {
		return classify(fmt.Errorf("create respondent: %w", err))
	}
	return nil
}

func (s *SQLiteStore) getRespondent(ctx context.Context, where string, arg any) (*models.Respondent, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+respondentColumns+" FROM respondents WHERE "+where+" = ?", arg)
	r, err := scanRespondent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get respondent: %w", err))
	}
	return r, nil
}

func (s *SQLiteStore) GetRespondent(ctx context.Context, id string) (*models.Respondent, error) {
	return s.getRespondent(ctx, "id", id)
}

func (s *SQLiteStore) GetRespondentByToken(ctx context.Context, token string) (*models.Respondent, error) {
	return s.getRespondent(ctx, "token", token)
}

func (s *SQLiteStore) UpdateRespondent(ctx context.Context, r *models.Respondent) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE respondents SET active = ?, first_access_at = ?, finalized_at = ?, completed_at = ?, login_count = ? WHERE id = ?",
		boolToInt64(r.Active), formatTime(r.FirstAccessAt), formatTime(r.FinalizedAt), formatTime(r.CompletedAt), r.LoginCount, r.ID)
	if err != nil {
		return classify(fmt.Errorf("update respondent: %w", err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return services.NewNotFoundError("respondent not found")
	}
	return nil
}

// --- survey definitions ---

func (s *SQLiteStore) GetSurvey(ctx context.Context, id int) (*models.Survey, error) {
	var def string
	err := s.q.QueryRowContext(ctx, "SELECT definition FROM surveys WHERE id = ?", id).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get survey %d: %w", id, err))
	}
	var sv models.Survey
	if err := json.Unmarshal([]byte(def), &sv); err != nil {
		return nil, fmt.Errorf("decode survey %d: %w", id, err)
	}
	return &sv, nil
}

// SaveSurvey stores the structure as a JSON document keyed by survey id.
func (s *SQLiteStore) SaveSurvey(ctx context.Context, sv *models.Survey) error {
	def, err := json.Marshal(sv)
	if err != nil {
		return fmt.Errorf("encode survey %d: %w", sv.ID, err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO surveys (id, name, definition, updated_at) VALUES (?, ?, ?, ?)
      ON CONFLICT(id) DO UPDATE SET name = excluded.name, definition = excluded.definition, updated_at = excluded.updated_at`,
		sv.ID, sv.Name, string(def), s.now().UTC().UnixMilli())
	if err != nil {
		return classify(fmt.Errorf("save survey %d: %w", sv.ID, err))
	}
	return nil
}

func (s *SQLiteStore) ListSurveyIDs(ctx context.Context) ([]int, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT id FROM surveys ORDER BY id")
	if err != nil {
		return nil, classify(fmt.Errorf("list surveys: %w", err))
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- action results ---

func (s *SQLiteStore) SaveActionResult(ctx context.Context, r *models.ActionResult) error {
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = s.now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO action_results (respondent_id, action_id, status, message, attempts, updated_at)
      VALUES (?, ?, ?, ?, ?, ?)
      ON CONFLICT(respondent_id, action_id) DO UPDATE SET
        status = excluded.status, message = excluded.message,
        attempts = excluded.attempts, updated_at = excluded.updated_at`,
		r.RespondentID, r.ActionID, string(r.Status), r.Message, r.Attempts, formatTime(&updated))
	if err != nil {
		return classify(fmt.Errorf("save action result: %w", err))
	}
	return nil
}

func (s *SQLiteStore) ListActionResults(ctx context.Context, respondentID string) ([]*models.ActionResult, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT respondent_id, action_id, status, message, attempts, updated_at
      FROM action_results WHERE respondent_id = ? ORDER BY action_id`, respondentID)
	if err != nil {
		return nil, classify(fmt.Errorf("list action results: %w", err))
	}
	defer rows.Close()
	var out []*models.ActionResult
	for rows.Next() {
		var (
			r       models.ActionResult
			status  string
			updated sql.NullString
		)
		if err := rows.Scan(&r.RespondentID, &r.ActionID, &status, &r.Message, &r.Attempts, &updated); err != nil {
			return nil, err
		}
		if r.Status, err = models.ParseActionStatus(status); err != nil {
			return nil, err
		}
		t, err := parseTime(updated)
		if err != nil {
			return nil, err
		}
		if t != nil {
			r.UpdatedAt = *t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
