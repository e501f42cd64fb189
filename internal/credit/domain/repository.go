package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// LogPageQuery narrows and orders the transaction log listing.
type LogPageQuery struct {
	UserID     snowflake.ID
	Search     string
	FilterType *LogAction
	SortField  string
	SortDesc   bool
	Offset     int
	Limit      int
}

// Repository is the ledger store. Every method runs against the handle it is
// given, so callers decide whether they are inside a transaction. Methods
// suffixed ForUpdate take row locks and must only be called inside one.
type Repository interface {
	InsertGrant(ctx context.Context, db *gorm.DB, grant *Grant) error
	FindGrantByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Grant, error)
	FindGrantByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Grant, error)
	FindGrantBySourceRef(ctx context.Context, db *gorm.DB, sourceRef string) (*Grant, error)
	ListGrants(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]Grant, error)
	ListUsableGrants(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) ([]Grant, error)
	ListUsableGrantsForUpdate(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) ([]Grant, error)
	ListExpiredGrantIDs(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) ([]snowflake.ID, error)
	// ListUserIDsWithExpiredGrants returns the distinct users that still hold
	// active, positive-balance, expired grants; the sweep visits each one.
	ListUserIDsWithExpiredGrants(ctx context.Context, db *gorm.DB, now time.Time) ([]snowflake.ID, error)
	// ListUserIDsGrantedInWindow returns which of the given users already
	// received a grant of the given type created within [start, end).
	ListUserIDsGrantedInWindow(ctx context.Context, db *gorm.DB, userIDs []snowflake.ID, grantType GrantType, start, end time.Time) ([]snowflake.ID, error)
	UpdateGrantBalance(ctx context.Context, db *gorm.DB, grantID snowflake.ID, balance int64, now time.Time) error
	SetGrantInactive(ctx context.Context, db *gorm.DB, grantID snowflake.ID, now time.Time) error

	InsertLogs(ctx context.Context, db *gorm.DB, entries []LogEntry) error
	ListLogsByEvent(ctx context.Context, db *gorm.DB, userID snowflake.ID, eventID string, action LogAction) ([]LogEntry, error)
	// MarkHeldConsumed and MarkHeldReleased transition held rows in place;
	// both guard on action = held so settled rows can never be rewritten,
	// and report how many rows they actually flipped so callers can detect
	// a concurrent settlement.
	MarkHeldConsumed(ctx context.Context, db *gorm.DB, ids []snowflake.ID, reason string) (int64, error)
	MarkHeldReleased(ctx context.Context, db *gorm.DB, ids []snowflake.ID, reason string) (int64, error)
	ListLogsInWindow(ctx context.Context, db *gorm.DB, userID snowflake.ID, actions []LogAction, start, end time.Time) ([]LogEntry, error)
	ListLogsPage(ctx context.Context, db *gorm.DB, q LogPageQuery) ([]LogEntry, int64, error)
}
