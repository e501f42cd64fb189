package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterkit/creditledger/pkg/db/pagination"
)

type CreateGrantRequest struct {
	UserID      snowflake.ID   `json:"user_id"`
	Type        GrantType      `json:"type"`
	Amount      int64          `json:"amount"`
	Priority    *int           `json:"priority,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	EffectiveAt *time.Time     `json:"effective_at,omitempty"`
	SourceRef   *string        `json:"source_ref,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type DeductRequest struct {
	UserID   snowflake.ID   `json:"user_id"`
	Amount   int64          `json:"amount"`
	EventID  string         `json:"event_id"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type HoldRequest struct {
	UserID  snowflake.ID `json:"user_id"`
	Amount  int64        `json:"amount"`
	EventID string       `json:"event_id"`
	Reason  string       `json:"reason,omitempty"`
}

type RefundRequest struct {
	UserID   snowflake.ID   `json:"user_id"`
	EventID  string         `json:"event_id"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Grants creates and retires credit batches.
type Grants interface {
	CreateGrant(ctx context.Context, req CreateGrantRequest) (snowflake.ID, error)
	GetActiveGrants(ctx context.Context, userID snowflake.ID) ([]Grant, error)
	GetAllGrants(ctx context.Context, userID snowflake.ID) ([]Grant, error)
	DeactivateGrant(ctx context.Context, grantID snowflake.ID) error
	RevokeGrant(ctx context.Context, grantID snowflake.ID, reason string, metadata map[string]any) (int64, error)
	ProcessExpiredGrants(ctx context.Context, userID snowflake.ID) (int64, error)
}

// Deductions runs the waterfall deduction and the hold/confirm/release/refund
// reservation protocol. Every mutating call is idempotent under its event id.
type Deductions interface {
	DeductCredits(ctx context.Context, req DeductRequest) error
	HoldCredits(ctx context.Context, req HoldRequest) error
	ConfirmHold(ctx context.Context, userID snowflake.ID, eventID, reason string) error
	ReleaseCredits(ctx context.Context, userID snowflake.ID, eventID, reason string) error
	RefundCredits(ctx context.Context, req RefundRequest) error
	HasEnoughCredits(ctx context.Context, userID snowflake.ID, amount int64) (bool, error)
}

type TypeBalance struct {
	Balance           int64      `json:"balance"`
	EarliestExpiresAt *time.Time `json:"earliest_expires_at,omitempty"`
}

type TopupBalance struct {
	Balance           int64      `json:"balance"`
	Expiring          int64      `json:"expiring"`
	NonExpiring       int64      `json:"non_expiring"`
	EarliestExpiresAt *time.Time `json:"earliest_expires_at,omitempty"`
}

// BalanceBreakdown partitions a user's usable balance by grant type.
type BalanceBreakdown struct {
	Total        int64        `json:"total"`
	Subscription TypeBalance  `json:"subscription"`
	Lifetime     TypeBalance  `json:"lifetime"`
	Topup        TopupBalance `json:"topup"`
	Other        TypeBalance  `json:"other"`
}

// SpendBreakdown reports net consumption (consumed minus refunded) in a
// window, partitioned by grant type.
type SpendBreakdown struct {
	Total        int64     `json:"total"`
	Subscription int64     `json:"subscription"`
	Lifetime     int64     `json:"lifetime"`
	Topup        int64     `json:"topup"`
	Other        int64     `json:"other"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
}

type ExpiringCredits struct {
	Amount             int64      `json:"amount"`
	EarliestExpiration *time.Time `json:"earliest_expiration,omitempty"`
}

type ListLogsRequest struct {
	UserID snowflake.ID
	pagination.Pagination
	Search     string     `form:"search"`
	FilterType *LogAction `form:"type"`
	SortField  string     `form:"sort"`
	SortDesc   bool       `form:"desc"`
}

type ListLogsResponse struct {
	Items []LogEntry `json:"items"`
	Total int64      `json:"total"`
}

// Balances is the read side: display projections with no locking.
type Balances interface {
	GetBalance(ctx context.Context, userID snowflake.ID) (BalanceBreakdown, error)
	GetTotalBalance(ctx context.Context, userID snowflake.ID) (int64, error)
	GetSpentThisPeriod(ctx context.Context, userID snowflake.ID, start, end *time.Time) (SpendBreakdown, error)
	GetExpiringCredits(ctx context.Context, userID snowflake.ID, withinDays int) (ExpiringCredits, error)
	GetTransactionLogs(ctx context.Context, req ListLogsRequest) (ListLogsResponse, error)
}

var (
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrMissingEventID      = errors.New("missing_event_id")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrAmountMismatch      = errors.New("amount_mismatch")
	ErrGrantNotFound       = errors.New("grant_not_found")
	ErrNothingToRefund     = errors.New("nothing_to_refund")
)
