package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/meterkit/creditledger/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() creditdomain.Repository {
	return &repo{}
}

// usableWhere is the usability predicate shared by every deduction-path query.
const usableWhere = `user_id = ?
	  AND is_active = ?
	  AND balance > 0
	  AND effective_at <= ?
	  AND (expires_at IS NULL OR expires_at > ?)`

// waterfallOrder drains lowest priority first, then soonest expiry with
// never-expiring grants preserved as long as possible, then FIFO.
const waterfallOrder = `ORDER BY priority ASC,
	  CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END ASC,
	  expires_at ASC,
	  created_at ASC`

func (r *repo) InsertGrant(ctx context.Context, db *gorm.DB, grant *creditdomain.Grant) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_grants (
			id, user_id, type, amount, balance, priority, expires_at, effective_at,
			source_ref, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		grant.ID,
		grant.UserID,
		grant.Type,
		grant.Amount,
		grant.Balance,
		grant.Priority,
		grant.ExpiresAt,
		grant.EffectiveAt,
		grant.SourceRef,
		grant.IsActive,
		grant.CreatedAt,
		grant.UpdatedAt,
	).Error
}

func (r *repo) FindGrantByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*creditdomain.Grant, error) {
	var grant creditdomain.Grant
	err := db.WithContext(ctx).Where("id = ?", id).First(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &grant, nil
}

func (r *repo) FindGrantByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*creditdomain.Grant, error) {
	var grant creditdomain.Grant
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_grants WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&grant).Error
	if err != nil {
		return nil, err
	}
	if grant.ID == 0 {
		return nil, nil
	}
	return &grant, nil
}

func (r *repo) FindGrantBySourceRef(ctx context.Context, db *gorm.DB, sourceRef string) (*creditdomain.Grant, error) {
	var grant creditdomain.Grant
	err := db.WithContext(ctx).Where("source_ref = ?", sourceRef).First(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &grant, nil
}

func (r *repo) ListGrants(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]creditdomain.Grant, error) {
	var grants []creditdomain.Grant
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&grants).Error
	return grants, err
}

func (r *repo) ListUsableGrants(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) ([]creditdomain.Grant, error) {
	var grants []creditdomain.Grant
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_grants
		 WHERE `+usableWhere+`
		 `+waterfallOrder,
		userID, true, now, now,
	).Scan(&grants).Error
	return grants, err
}

func (r *repo) ListUsableGrantsForUpdate(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) ([]creditdomain.Grant, error) {
	var grants []creditdomain.Grant
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_grants
		 WHERE `+usableWhere+`
		 `+waterfallOrder+`
		 FOR UPDATE`,
		userID, true, now, now,
	).Scan(&grants).Error
	return grants, err
}

func (r *repo) ListExpiredGrantIDs(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM credit_grants
		 WHERE user_id = ?
		   AND is_active = ?
		   AND balance > 0
		   AND expires_at IS NOT NULL
		   AND expires_at <= ?`,
		userID, true, now,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) ListUserIDsWithExpiredGrants(ctx context.Context, db *gorm.DB, now time.Time) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT user_id FROM credit_grants
		 WHERE is_active = ?
		   AND balance > 0
		   AND expires_at IS NOT NULL
		   AND expires_at <= ?`,
		true, now,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) ListUserIDsGrantedInWindow(ctx context.Context, db *gorm.DB, userIDs []snowflake.ID, grantType creditdomain.GrantType, start, end time.Time) ([]snowflake.ID, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT user_id FROM credit_grants
		 WHERE user_id IN ?
		   AND type = ?
		   AND created_at >= ?
		   AND created_at < ?`,
		userIDs, grantType, start, end,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) UpdateGrantBalance(ctx context.Context, db *gorm.DB, grantID snowflake.ID, balance int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_grants SET balance = ?, updated_at = ? WHERE id = ?`,
		balance, now, grantID,
	).Error
}

func (r *repo) SetGrantInactive(ctx context.Context, db *gorm.DB, grantID snowflake.ID, now time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_grants SET is_active = ?, updated_at = ? WHERE id = ?`,
		false, now, grantID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return creditdomain.ErrGrantNotFound
	}
	return nil
}

func (r *repo) InsertLogs(ctx context.Context, db *gorm.DB, entries []creditdomain.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	// Single multi-row insert so the whole batch commits or fails as one
	// statement; a unique-index hit surfaces as gorm.ErrDuplicatedKey.
	return db.WithContext(ctx).Create(&entries).Error
}

func (r *repo) ListLogsByEvent(ctx context.Context, db *gorm.DB, userID snowflake.ID, eventID string, action creditdomain.LogAction) ([]creditdomain.LogEntry, error) {
	var entries []creditdomain.LogEntry
	err := db.WithContext(ctx).
		Where("user_id = ? AND event_id = ? AND action = ?", userID, eventID, action).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *repo) MarkHeldConsumed(ctx context.Context, db *gorm.DB, ids []snowflake.ID, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_logs
		 SET action = ?,
		     reason = CASE WHEN ? = '' THEN reason ELSE ? END
		 WHERE id IN ? AND action = ?`,
		creditdomain.ActionConsumed, reason, reason, ids, creditdomain.ActionHeld,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) MarkHeldReleased(ctx context.Context, db *gorm.DB, ids []snowflake.ID, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_logs
		 SET action = ?,
		     amount_change = -amount_change,
		     reason = CASE WHEN ? = '' THEN reason ELSE ? END
		 WHERE id IN ? AND action = ?`,
		creditdomain.ActionReleased, reason, reason, ids, creditdomain.ActionHeld,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ListLogsInWindow(ctx context.Context, db *gorm.DB, userID snowflake.ID, actions []creditdomain.LogAction, start, end time.Time) ([]creditdomain.LogEntry, error) {
	var entries []creditdomain.LogEntry
	err := db.WithContext(ctx).
		Where("user_id = ? AND action IN ? AND created_at >= ? AND created_at < ?", userID, actions, start, end).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

var logSortFields = map[string]string{
	"created_at":    "created_at",
	"action":        "action",
	"amount_change": "amount_change",
	"grant_type":    "grant_type",
}

func (r *repo) ListLogsPage(ctx context.Context, db *gorm.DB, q creditdomain.LogPageQuery) ([]creditdomain.LogEntry, int64, error) {
	stmt := db.WithContext(ctx).Model(&creditdomain.LogEntry{}).Where("user_id = ?", q.UserID)
	if q.FilterType != nil {
		stmt = stmt.Where("action = ?", *q.FilterType)
	}
	if q.Search != "" {
		stmt = stmt.Where("reason LIKE ? OR event_id LIKE ?", "%"+q.Search+"%", "%"+q.Search+"%")
	}

	var total int64
	if err := stmt.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	sortField, ok := logSortFields[q.SortField]
	if !ok {
		sortField = "created_at"
	}
	direction := "ASC"
	if q.SortDesc {
		direction = "DESC"
	}

	var entries []creditdomain.LogEntry
	err := stmt.
		Order(sortField + " " + direction).
		Offset(q.Offset).
		Limit(q.Limit).
		Find(&entries).Error
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}
