package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/meterkit/creditledger/internal/clock"
	creditdomain "github.com/meterkit/creditledger/internal/credit/domain"
	"github.com/meterkit/creditledger/pkg/db"
	"github.com/meterkit/creditledger/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type GrantParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    creditdomain.Repository
	Clock   clock.Clock
	Metrics *telemetry.Metrics `optional:"true"`
}

// GrantService creates, queries, revokes and expires credit grants.
type GrantService struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    creditdomain.Repository
	clock   clock.Clock
	metrics *telemetry.Metrics
}

func NewGrantService(p GrantParams) creditdomain.Grants {
	return &GrantService{
		db:      p.DB,
		log:     p.Log.Named("credit.grants"),
		genID:   p.GenID,
		repo:    p.Repo,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

func (s *GrantService) CreateGrant(ctx context.Context, req creditdomain.CreateGrantRequest) (snowflake.ID, error) {
	if req.UserID == 0 {
		return 0, creditdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return 0, creditdomain.ErrInvalidAmount
	}

	sourceRef := ""
	if req.SourceRef != nil {
		sourceRef = *req.SourceRef
	}
	if sourceRef != "" {
		existing, err := s.repo.FindGrantBySourceRef(ctx, s.db, sourceRef)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			s.log.Debug("grant already exists for source ref",
				zap.String("source_ref", sourceRef),
				zap.String("grant_id", existing.ID.String()),
			)
			return existing.ID, nil
		}
	}

	now := s.clock.Now()
	priority := req.Type.DefaultPriority()
	if req.Priority != nil {
		priority = *req.Priority
	}
	effectiveAt := now
	if req.EffectiveAt != nil {
		effectiveAt = *req.EffectiveAt
	}

	grant := creditdomain.Grant{
		ID:          s.genID.Generate(),
		UserID:      req.UserID,
		Type:        req.Type,
		Amount:      req.Amount,
		Balance:     req.Amount,
		Priority:    priority,
		ExpiresAt:   req.ExpiresAt,
		EffectiveAt: effectiveAt,
		SourceRef:   req.SourceRef,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertGrant(ctx, tx, &grant); err != nil {
			return err
		}
		grantID := grant.ID
		return s.repo.InsertLogs(ctx, tx, []creditdomain.LogEntry{{
			ID:           s.genID.Generate(),
			UserID:       grant.UserID,
			GrantID:      &grantID,
			GrantType:    grant.Type,
			Action:       creditdomain.ActionGranted,
			AmountChange: grant.Amount,
			Reason:       "grant created",
			Metadata:     creditdomain.MetadataJSON(req.Metadata),
			CreatedAt:    now,
		}})
	})
	if err != nil {
		// A concurrent duplicate slipped between the pre-check and the
		// insert; the winner's grant is the one to return.
		if sourceRef != "" && db.IsDuplicateKeyErr(err) {
			existing, findErr := s.repo.FindGrantBySourceRef(ctx, s.db, sourceRef)
			if findErr != nil {
				return 0, findErr
			}
			if existing != nil {
				return existing.ID, nil
			}
		}
		return 0, err
	}

	s.metrics.IncGrantIssued(string(grant.Type))
	s.log.Info("grant created",
		zap.String("grant_id", grant.ID.String()),
		zap.String("user_id", grant.UserID.String()),
		zap.String("type", string(grant.Type)),
		zap.Int64("amount", grant.Amount),
	)
	return grant.ID, nil
}

func (s *GrantService) GetActiveGrants(ctx context.Context, userID snowflake.ID) ([]creditdomain.Grant, error) {
	return s.repo.ListUsableGrants(ctx, s.db, userID, s.clock.Now())
}

func (s *GrantService) GetAllGrants(ctx context.Context, userID snowflake.ID) ([]creditdomain.Grant, error) {
	return s.repo.ListGrants(ctx, s.db, userID)
}

// DeactivateGrant is a soft delete for administrative cleanup: no balance
// change and no ledger entry.
func (s *GrantService) DeactivateGrant(ctx context.Context, grantID snowflake.ID) error {
	return s.repo.SetGrantInactive(ctx, s.db, grantID, s.clock.Now())
}

func (s *GrantService) RevokeGrant(ctx context.Context, grantID snowflake.ID, reason string, metadata map[string]any) (int64, error) {
	var revoked int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		grant, err := s.repo.FindGrantByIDForUpdate(ctx, tx, grantID)
		if err != nil {
			return err
		}
		if grant == nil {
			return creditdomain.ErrGrantNotFound
		}

		now := s.clock.Now()
		revoked = grant.Balance
		if revoked > 0 {
			if err := s.repo.UpdateGrantBalance(ctx, tx, grant.ID, 0, now); err != nil {
				return err
			}
			gid := grant.ID
			if err := s.repo.InsertLogs(ctx, tx, []creditdomain.LogEntry{{
				ID:           s.genID.Generate(),
				UserID:       grant.UserID,
				GrantID:      &gid,
				GrantType:    grant.Type,
				Action:       creditdomain.ActionRevoked,
				AmountChange: -revoked,
				Reason:       reason,
				Metadata:     creditdomain.MetadataJSON(metadata),
				CreatedAt:    now,
			}}); err != nil {
				return err
			}
		}
		return s.repo.SetGrantInactive(ctx, tx, grant.ID, now)
	})
	if err != nil {
		return 0, err
	}

	s.log.Info("grant revoked",
		zap.String("grant_id", grantID.String()),
		zap.Int64("revoked_amount", revoked),
		zap.String("reason", reason),
	)
	return revoked, nil
}

// ProcessExpiredGrants lazily zeroes expired balances for one user. The scan
// runs without a transaction; each candidate is then re-read under a row lock
// so a concurrent deduction that drained it is skipped, and all expired log
// entries are written in one batch at the end.
func (s *GrantService) ProcessExpiredGrants(ctx context.Context, userID snowflake.ID) (int64, error) {
	now := s.clock.Now()
	ids, err := s.repo.ListExpiredGrantIDs(ctx, s.db, userID, now)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var total int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		total = 0
		entries := make([]creditdomain.LogEntry, 0, len(ids))
		for _, id := range ids {
			grant, err := s.repo.FindGrantByIDForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if grant == nil || !grant.IsActive || grant.Balance <= 0 {
				continue
			}
			if grant.ExpiresAt == nil || grant.ExpiresAt.After(now) {
				continue
			}

			expired := grant.Balance
			if err := s.repo.UpdateGrantBalance(ctx, tx, grant.ID, 0, now); err != nil {
				return err
			}
			gid := grant.ID
			entries = append(entries, creditdomain.LogEntry{
				ID:           s.genID.Generate(),
				UserID:       grant.UserID,
				GrantID:      &gid,
				GrantType:    grant.Type,
				Action:       creditdomain.ActionExpired,
				AmountChange: -expired,
				Reason:       "grant expired",
				CreatedAt:    now,
			})
			total += expired
		}
		return s.repo.InsertLogs(ctx, tx, entries)
	})
	if err != nil {
		return 0, err
	}

	if total > 0 {
		s.log.Info("expired grants processed",
			zap.String("user_id", userID.String()),
			zap.Int64("expired_amount", total),
		)
	}
	return total, nil
}
