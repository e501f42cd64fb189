package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// GrantType identifies where a batch of credits came from. The set is
// open-ended: values are stored as plain text so new types never require a
// schema migration.
type GrantType string

const (
	GrantTypeSubscription GrantType = "subscription"
	GrantTypeLifetime     GrantType = "lifetime"
	GrantTypeTopup        GrantType = "topup"
	GrantTypeSignupBonus  GrantType = "signup_bonus"
	GrantTypePromo        GrantType = "promo"
	GrantTypeReferral     GrantType = "referral"
	GrantTypeCompensation GrantType = "compensation"
	GrantTypeManual       GrantType = "manual"
	GrantTypeLegacy       GrantType = "legacy"
)

// DefaultPriority returns the deduction priority for a grant type; lower is
// consumed first. Unknown types land between manual and legacy so additions
// keep working without code changes here.
func (t GrantType) DefaultPriority() int {
	switch t {
	case GrantTypeSubscription:
		return 10
	case GrantTypeTopup:
		return 20
	case GrantTypeSignupBonus:
		return 30
	case GrantTypePromo:
		return 35
	case GrantTypeReferral:
		return 40
	case GrantTypeCompensation:
		return 45
	case GrantTypeManual:
		return 48
	case GrantTypeLifetime:
		return 50
	case GrantTypeLegacy:
		return 60
	default:
		return 55
	}
}

// Grant is one batch of credits issued to one user.
type Grant struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID      snowflake.ID `json:"user_id" gorm:"not null;index"`
	Type        GrantType    `json:"type" gorm:"type:text;not null"`
	Amount      int64        `json:"amount" gorm:"not null"`
	Balance     int64        `json:"balance" gorm:"not null"`
	Priority    int          `json:"priority" gorm:"not null"`
	ExpiresAt   *time.Time   `json:"expires_at" gorm:"index"`
	EffectiveAt time.Time    `json:"effective_at" gorm:"not null"`
	SourceRef   *string      `json:"source_ref" gorm:"type:text;uniqueIndex:ux_credit_grants_source_ref"`
	IsActive    bool         `json:"is_active" gorm:"not null;default:true"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null;index"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Grant) TableName() string { return "credit_grants" }

// Usable reports whether the grant's balance may be deducted at the given
// reference time.
func (g Grant) Usable(now time.Time) bool {
	if !g.IsActive || g.Balance <= 0 {
		return false
	}
	if g.EffectiveAt.After(now) {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}

// LogAction is the state transition recorded by a ledger row.
type LogAction string

const (
	ActionGranted  LogAction = "granted"
	ActionConsumed LogAction = "consumed"
	ActionExpired  LogAction = "expired"
	ActionRefunded LogAction = "refunded"
	ActionHeld     LogAction = "held"
	ActionReleased LogAction = "released"
	ActionRevoked  LogAction = "revoked"
)

// LogEntry is one ledger row per balance or status transition of a grant.
// Rows are append-only except that a row still in the held state may
// transition in place to consumed or released; that transition is the only
// permitted mutation.
//
// GrantType is denormalized at write time so historical aggregation survives
// deletion of the owning grant. (event_id, grant_id, action) is unique: the
// same event may fan out across several grants during waterfall deduction,
// but no single grant can be double-processed for one event and action.
type LogEntry struct {
	ID           snowflake.ID   `json:"id" gorm:"primaryKey"`
	UserID       snowflake.ID   `json:"user_id" gorm:"not null;index"`
	GrantID      *snowflake.ID  `json:"grant_id" gorm:"index;uniqueIndex:ux_credit_logs_event_grant_action,priority:2"`
	GrantType    GrantType      `json:"grant_type" gorm:"type:text"`
	Action       LogAction      `json:"action" gorm:"type:text;not null;index;uniqueIndex:ux_credit_logs_event_grant_action,priority:3"`
	AmountChange int64          `json:"amount_change" gorm:"not null"`
	EventID      *string        `json:"event_id" gorm:"type:text;index;uniqueIndex:ux_credit_logs_event_grant_action,priority:1"`
	Reason       string         `json:"reason" gorm:"type:text"`
	Metadata     datatypes.JSON `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at" gorm:"not null;index"`
}

// TableName sets the database table name.
func (LogEntry) TableName() string { return "credit_logs" }

// MetadataJSON marshals free-form context into a JSON column value.
// A nil map yields a nil column.
func MetadataJSON(m map[string]any) datatypes.JSON {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
