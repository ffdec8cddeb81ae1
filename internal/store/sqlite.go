package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// legacyAccountCols and legacyHealthCols name columns that only ever existed
// in a pre-rewrite schema that stored raw secrets in recoverable form. New
// opens refuse to run against a database carrying any of these, rather than
// silently mixing schemas.
var (
	legacyAccountCols = map[string]bool{
		"label":                   true,
		"token_hash":              true,
		"refresh_token_encrypted": true,
	}
	legacyHealthCols = map[string]bool{
		"token_preview": true,
	}
)

// SQLiteStore implements Store against a single SQLite database file, WAL
// mode, one connection (SQLite serializes writers regardless, and
// SetMaxOpenConns(1) avoids SQLITE_BUSY churn under the teacher's driver).
type SQLiteStore struct {
	db *sql.DB
}

// New opens (creating if absent) the database at dbPath, applies the schema,
// and runs the legacy-schema guard.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := schemaGuard(db); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// schemaGuard rejects a database that already has accounts/health_snapshots
// tables carrying a blacklisted legacy column, before the embedded schema's
// CREATE TABLE IF NOT EXISTS would otherwise let it through untouched.
func schemaGuard(db *sql.DB) error {
	if bad, err := tableHasAny(db, "accounts", legacyAccountCols); err != nil {
		return err
	} else if bad {
		return ErrLegacySchema
	}
	if bad, err := tableHasAny(db, "health_snapshots", legacyHealthCols); err != nil {
		return err
	} else if bad {
		return ErrLegacySchema
	}
	return nil
}

func tableHasAny(db *sql.DB, table string, blacklist map[string]bool) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info(%s): %w", table, err)
	}
	defer rows.Close()

	var (
		cid        int
		name       string
		ctype      string
		notnull    int
		dflt       sql.NullString
		pk         int
	)
	for rows.Next() {
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if blacklist[name] {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

const accountCols = `id, refresh_token, refresh_token_hash, email, api_key, id_token, status,
	request_limit, requests_used, is_unlimited, next_refresh_time, refresh_duration_ms, quota_updated_at,
	error_count, last_error_code, last_error_message, last_check_at, last_success_at, cooldown_until,
	use_count, created_at, updated_at`

func scanAccount(scanner interface{ Scan(...any) error }) (*Account, error) {
	var (
		a                                 Account
		nextRefresh, quotaUpdated         sql.NullInt64
		lastCheck, lastSuccess, cooldown  sql.NullInt64
		isUnlimited                       int
		createdAt, updatedAt              int64
		refreshDurationMs                 int64
	)
	err := scanner.Scan(
		&a.ID, &a.RefreshToken, &a.RefreshTokenHash, &a.Email, &a.APIKey, &a.IDToken, &a.Status,
		&a.RequestLimit, &a.RequestsUsed, &isUnlimited, &nextRefresh, &refreshDurationMs, &quotaUpdated,
		&a.ErrorCount, &a.LastErrorCode, &a.LastErrorMessage, &lastCheck, &lastSuccess, &cooldown,
		&a.UseCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.IsUnlimited = isUnlimited != 0
	a.RefreshDuration = time.Duration(refreshDurationMs) * time.Millisecond
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if nextRefresh.Valid {
		a.NextRefreshTime = time.Unix(nextRefresh.Int64, 0).UTC()
	}
	if quotaUpdated.Valid {
		a.QuotaUpdatedAt = time.Unix(quotaUpdated.Int64, 0).UTC()
	}
	if lastCheck.Valid {
		a.LastCheckAt = time.Unix(lastCheck.Int64, 0).UTC()
	}
	if lastSuccess.Valid {
		a.LastSuccessAt = time.Unix(lastSuccess.Int64, 0).UTC()
	}
	if cooldown.Valid {
		a.CooldownUntil = time.Unix(cooldown.Int64, 0).UTC()
	}
	return &a, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+accountCols+" FROM accounts ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountCols+" FROM accounts WHERE id = ?", id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQLiteStore) FindByRefreshToken(ctx context.Context, tokenHash string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountCols+" FROM accounts WHERE refresh_token_hash = ?", tokenHash)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQLiteStore) GetRefreshToken(ctx context.Context, id string) (string, error) {
	var tok string
	err := s.db.QueryRowContext(ctx, "SELECT refresh_token FROM accounts WHERE id = ?", id).Scan(&tok)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return tok, err
}

func (s *SQLiteStore) BatchImportAccounts(ctx context.Context, accounts []ImportAccount) (ImportResult, error) {
	var result ImportResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, acc := range accounts {
		token := strings.TrimSpace(acc.RefreshToken)
		hash := strings.TrimSpace(acc.RefreshTokenHash)
		if token == "" || hash == "" {
			continue
		}

		var existingID, existingEmail, existingAPIKey, existingIDToken string
		var existingLimit, existingUsed int64
		err := tx.QueryRowContext(ctx,
			"SELECT id, email, api_key, id_token, request_limit, requests_used FROM accounts WHERE refresh_token_hash = ?",
			hash,
		).Scan(&existingID, &existingEmail, &existingAPIKey, &existingIDToken, &existingLimit, &existingUsed)
		if err == nil {
			result.Duplicated++
			// Keep the existing row on conflict, but reactivate it and
			// merge-fill any metadata this import knows that the row
			// doesn't (spec §4.1 batch_import/batch_import_accounts).
			sets := []string{"status = ?", "updated_at = ?"}
			vals := []any{StatusActive, now}
			if existingEmail == "" && acc.Email != "" {
				sets = append(sets, "email = ?")
				vals = append(vals, acc.Email)
			}
			if existingAPIKey == "" && acc.APIKey != "" {
				sets = append(sets, "api_key = ?")
				vals = append(vals, acc.APIKey)
			}
			if existingIDToken == "" && acc.IDToken != "" {
				sets = append(sets, "id_token = ?")
				vals = append(vals, acc.IDToken)
			}
			if existingLimit == 0 && acc.TotalLimit != 0 {
				sets = append(sets, "request_limit = ?")
				vals = append(vals, acc.TotalLimit)
			}
			if existingUsed == 0 && acc.UsedLimit != 0 {
				sets = append(sets, "requests_used = ?")
				vals = append(vals, acc.UsedLimit)
			}
			vals = append(vals, existingID)
			if _, err := tx.ExecContext(ctx, "UPDATE accounts SET "+strings.Join(sets, ", ")+" WHERE id = ?", vals...); err != nil {
				return result, err
			}
			continue
		}
		if err != sql.ErrNoRows {
			return result, err
		}
		id := newAccountID()
		_, err = tx.ExecContext(ctx, `INSERT INTO accounts
			(id, refresh_token, refresh_token_hash, email, api_key, id_token, status,
			 request_limit, requests_used, is_unlimited, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, token, hash, acc.Email, acc.APIKey, acc.IDToken, StatusActive,
			acc.TotalLimit, acc.UsedLimit, acc.TotalLimit <= 0, now, now)
		if err != nil {
			return result, err
		}
		result.Inserted++
	}
	return result, tx.Commit()
}

func (s *SQLiteStore) Update(ctx context.Context, id string, patch AccountPatch) (bool, error) {
	sets := []string{"updated_at = ?"}
	vals := []any{time.Now().Unix()}

	addStr := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			vals = append(vals, *v)
		}
	}
	addInt64 := func(col string, v *int64) {
		if v != nil {
			sets = append(sets, col+" = ?")
			vals = append(vals, *v)
		}
	}
	addInt := func(col string, v *int) {
		if v != nil {
			sets = append(sets, col+" = ?")
			vals = append(vals, *v)
		}
	}
	addBool := func(col string, v *bool) {
		if v != nil {
			n := 0
			if *v {
				n = 1
			}
			sets = append(sets, col+" = ?")
			vals = append(vals, n)
		}
	}
	addTime := func(col string, v *time.Time) {
		if v != nil {
			sets = append(sets, col+" = ?")
			if v.IsZero() {
				vals = append(vals, nil)
			} else {
				vals = append(vals, v.Unix())
			}
		}
	}
	addDuration := func(col string, v *time.Duration) {
		if v != nil {
			sets = append(sets, col+" = ?")
			vals = append(vals, v.Milliseconds())
		}
	}

	addStr("refresh_token", patch.RefreshToken)
	addStr("refresh_token_hash", patch.RefreshTokenHash)
	addStr("email", patch.Email)
	addStr("api_key", patch.APIKey)
	addStr("id_token", patch.IDToken)
	addStr("status", patch.Status)
	addInt64("request_limit", patch.RequestLimit)
	addInt64("requests_used", patch.RequestsUsed)
	addBool("is_unlimited", patch.IsUnlimited)
	addTime("next_refresh_time", patch.NextRefreshTime)
	addDuration("refresh_duration_ms", patch.RefreshDuration)
	addTime("quota_updated_at", patch.QuotaUpdatedAt)
	addInt("error_count", patch.ErrorCount)
	addStr("last_error_code", patch.LastErrorCode)
	addStr("last_error_message", patch.LastErrorMessage)
	addTime("last_check_at", patch.LastCheckAt)
	addTime("last_success_at", patch.LastSuccessAt)
	addTime("cooldown_until", patch.CooldownUntil)
	addInt64("use_count", patch.UseCount)

	if len(sets) == 1 {
		return false, nil
	}
	vals = append(vals, id)
	query := fmt.Sprintf("UPDATE accounts SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, vals...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id IN ("+placeholders+")", args...)
	return err
}

func (s *SQLiteStore) IncrementUseCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET use_count = use_count + 1, updated_at = ? WHERE id = ?",
		time.Now().Unix(), id)
	return err
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (s *SQLiteStore) UpsertHealth(ctx context.Context, snap HealthSnapshot) error {
	healthy := 0
	if snap.Healthy {
		healthy = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO health_snapshots
		(account_id, healthy, last_checked_at, last_success_at, last_error, consecutive_failures, latency_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			healthy = excluded.healthy,
			last_checked_at = excluded.last_checked_at,
			last_success_at = excluded.last_success_at,
			last_error = excluded.last_error,
			consecutive_failures = excluded.consecutive_failures,
			latency_ms = excluded.latency_ms,
			updated_at = excluded.updated_at`,
		snap.AccountID, healthy, unixOrNil(snap.LastCheckedAt), unixOrNil(snap.LastSuccessAt),
		snap.LastError, snap.ConsecutiveFailures, snap.LatencyMs, time.Now().Unix())
	return err
}

func scanHealth(scanner interface{ Scan(...any) error }) (HealthSnapshot, error) {
	var (
		h                         HealthSnapshot
		healthy                   int
		lastChecked, lastSuccess  sql.NullInt64
		updatedAt                 int64
	)
	err := scanner.Scan(&h.AccountID, &healthy, &lastChecked, &lastSuccess,
		&h.LastError, &h.ConsecutiveFailures, &h.LatencyMs, &updatedAt)
	if err != nil {
		return h, err
	}
	h.Healthy = healthy != 0
	h.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if lastChecked.Valid {
		h.LastCheckedAt = time.Unix(lastChecked.Int64, 0).UTC()
	}
	if lastSuccess.Valid {
		h.LastSuccessAt = time.Unix(lastSuccess.Int64, 0).UTC()
	}
	return h, nil
}

func (s *SQLiteStore) ListHealth(ctx context.Context) ([]HealthSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id, healthy, last_checked_at, last_success_at,
		last_error, consecutive_failures, latency_ms, updated_at FROM health_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HealthSnapshot
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetHealth(ctx context.Context, accountID string) (*HealthSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT account_id, healthy, last_checked_at, last_success_at,
		last_error, consecutive_failures, latency_ms, updated_at FROM health_snapshots WHERE account_id = ?`, accountID)
	h, err := scanHealth(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

func (s *SQLiteStore) AppendAudit(ctx context.Context, action, actor, accountID, result, detail string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_logs
		(action, actor, account_id, result, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		action, actor, accountID, result, detail, time.Now().Unix())
	return err
}

func (s *SQLiteStore) TailAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, action, actor, account_id, result, detail, created_at
		FROM audit_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.AccountID, &e.Result, &e.Detail, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// App state (scheduler rotation cursor, etc.)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	return err
}

func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM app_state WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
