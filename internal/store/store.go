// Package store implements the durable Credential Store: accounts, their
// quota/health bookkeeping, the audit log, and the app-wide key/value state
// table used by the scheduler's rotation cursor.
package store

import (
	"context"
	"errors"
	"time"
)

// Account status values (spec §3).
const (
	StatusActive         = "active"
	StatusCooldown       = "cooldown"
	StatusBlocked        = "blocked"
	StatusQuotaExhausted = "quota_exhausted"
	StatusDisabled       = "disabled"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrLegacySchema is returned by New when the database carries a column
// from a blacklisted legacy schema (see schemaGuard in sqlite.go).
var ErrLegacySchema = errors.New("store: unsupported legacy database schema")

// Account is one upstream credential with its quota snapshot and error
// bookkeeping (spec §3).
type Account struct {
	ID               string
	RefreshToken     string // encrypted at rest; plaintext only briefly in the refresh service
	RefreshTokenHash string // deterministic SHA-256 of the plaintext token, for lookup/dedup (AES-CBC ciphertext is not)
	Email            string
	APIKey           string
	IDToken          string
	Status           string

	RequestLimit    int64
	RequestsUsed    int64
	IsUnlimited     bool
	NextRefreshTime time.Time
	RefreshDuration time.Duration
	QuotaUpdatedAt  time.Time

	ErrorCount       int
	LastErrorCode    string
	LastErrorMessage string
	LastCheckAt      time.Time
	LastSuccessAt    time.Time
	CooldownUntil    time.Time

	UseCount  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// QuotaRemaining implements the invariant from spec §3:
// quota_remaining = max(0, request_limit − requests_used) when not unlimited.
// Returns -1 for unlimited accounts (no meaningful remaining count).
func (a *Account) QuotaRemaining() int64 {
	if a.IsUnlimited {
		return -1
	}
	if r := a.RequestLimit - a.RequestsUsed; r > 0 {
		return r
	}
	return 0
}

// HealthSnapshot is one-per-account, written by the Health Monitor and the
// refresh path (spec §3).
type HealthSnapshot struct {
	AccountID           string
	Healthy             bool
	LastCheckedAt       time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LatencyMs           int64
	UpdatedAt           time.Time
}

// AuditEntry is one append-only audit record (spec §3).
type AuditEntry struct {
	ID        int64
	Action    string
	Actor     string
	AccountID string
	Result    string // "ok" | "failed"
	Detail    string
	CreatedAt time.Time
}

// AccountPatch is a partial update: nil fields are left untouched. Update
// always bumps UpdatedAt automatically.
type AccountPatch struct {
	RefreshToken     *string
	RefreshTokenHash *string
	Email            *string
	APIKey           *string
	IDToken          *string
	Status           *string
	RequestLimit     *int64
	RequestsUsed     *int64
	IsUnlimited      *bool
	NextRefreshTime  *time.Time
	RefreshDuration  *time.Duration
	QuotaUpdatedAt   *time.Time
	ErrorCount       *int
	LastErrorCode    *string
	LastErrorMessage *string
	LastCheckAt      *time.Time
	LastSuccessAt    *time.Time
	CooldownUntil    *time.Time
	UseCount         *int64
}

// ImportAccount is one row of a batch_import_accounts call (spec §4.1).
type ImportAccount struct {
	RefreshToken     string
	RefreshTokenHash string
	Email            string
	APIKey           string
	IDToken          string
	TotalLimit       int64
	UsedLimit        int64
}

// ImportResult reports how a batch import was applied.
type ImportResult struct {
	Inserted   int
	Duplicated int
}

// Store is the persistence interface for the credential pool.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	List(ctx context.Context) ([]*Account, error)
	Get(ctx context.Context, id string) (*Account, error)
	// FindByRefreshToken looks up by RefreshTokenHash (a deterministic
	// digest), never by the encrypted RefreshToken column — AES-CBC's
	// random IV makes the ciphertext itself non-reproducible.
	FindByRefreshToken(ctx context.Context, tokenHash string) (*Account, error)
	GetRefreshToken(ctx context.Context, id string) (string, error)

	BatchImportAccounts(ctx context.Context, accounts []ImportAccount) (ImportResult, error)

	// Update applies a partial patch, bumping UpdatedAt. Returns whether a
	// row was actually changed.
	Update(ctx context.Context, id string, patch AccountPatch) (bool, error)
	Delete(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, ids []string) error
	IncrementUseCount(ctx context.Context, id string) error

	UpsertHealth(ctx context.Context, snap HealthSnapshot) error
	ListHealth(ctx context.Context) ([]HealthSnapshot, error)
	GetHealth(ctx context.Context, accountID string) (*HealthSnapshot, error)

	AppendAudit(ctx context.Context, action, actor, accountID, result, detail string) error
	TailAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	SetState(ctx context.Context, key, value string) error
	GetState(ctx context.Context, key string) (string, error)
}
