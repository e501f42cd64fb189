package repository

import (
	"context"

	userdomain "github.com/meterkit/creditledger/internal/user/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() userdomain.Repository {
	return &repo{}
}

func (r *repo) ListEligible(ctx context.Context, db *gorm.DB) ([]userdomain.User, error) {
	var users []userdomain.User
	err := db.WithContext(ctx).
		Where("banned = ?", false).
		Order("created_at ASC").
		Find(&users).Error
	return users, err
}
