package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// User is the account row the ledger reads for eligibility. Account
// lifecycle is owned upstream; this service never writes users.
type User struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	Email     string       `json:"email" gorm:"type:text;not null"`
	Banned    bool         `json:"banned" gorm:"not null;default:false"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

// Repository reads user rows for stipend eligibility.
type Repository interface {
	ListEligible(ctx context.Context, db *gorm.DB) ([]User, error)
}
