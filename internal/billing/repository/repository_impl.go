package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/meterkit/creditledger/internal/billing/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() billingdomain.Repository {
	return &repo{}
}

func (r *repo) LatestQualifying(ctx context.Context, db *gorm.DB, userIDs []snowflake.ID) (map[snowflake.ID]billingdomain.PaymentRecord, error) {
	if len(userIDs) == 0 {
		return map[snowflake.ID]billingdomain.PaymentRecord{}, nil
	}

	var records []billingdomain.PaymentRecord
	err := db.WithContext(ctx).
		Where("user_id IN ? AND paid = ? AND status IN ?",
			userIDs, true,
			[]billingdomain.PaymentStatus{
				billingdomain.StatusActive,
				billingdomain.StatusTrialing,
				billingdomain.StatusCompleted,
			},
		).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	// Ascending scan leaves the most recent record per user in the map.
	out := make(map[snowflake.ID]billingdomain.PaymentRecord, len(records))
	for _, record := range records {
		out[record.UserID] = record
	}
	return out, nil
}
