package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// PaymentStatus mirrors the upstream billing provider's subscription state.
type PaymentStatus string

const (
	StatusActive    PaymentStatus = "active"
	StatusTrialing  PaymentStatus = "trialing"
	StatusCompleted PaymentStatus = "completed"
	StatusCanceled  PaymentStatus = "canceled"
	StatusPastDue   PaymentStatus = "past_due"
)

// PaymentRecord is written by upstream payment-event handlers; the ledger
// only reads it to determine each user's current plan.
type PaymentRecord struct {
	ID        snowflake.ID  `json:"id" gorm:"primaryKey"`
	UserID    snowflake.ID  `json:"user_id" gorm:"not null;index"`
	PriceID   string        `json:"price_id" gorm:"type:text;not null"`
	Status    PaymentStatus `json:"status" gorm:"type:text;not null"`
	Paid      bool          `json:"paid" gorm:"not null;default:false"`
	CreatedAt time.Time     `json:"created_at" gorm:"not null;index"`
}

// TableName sets the database table name.
func (PaymentRecord) TableName() string { return "payment_records" }

// Qualifies reports whether the record counts toward plan determination.
func (p PaymentRecord) Qualifies() bool {
	if !p.Paid {
		return false
	}
	switch p.Status {
	case StatusActive, StatusTrialing, StatusCompleted:
		return true
	}
	return false
}

// Repository reads payment records for plan determination.
type Repository interface {
	// LatestQualifying returns each user's most recent qualifying payment.
	// Users with none are absent from the map.
	LatestQualifying(ctx context.Context, db *gorm.DB, userIDs []snowflake.ID) (map[snowflake.ID]PaymentRecord, error)
}
