package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/meterkit/creditledger/internal/clock"
	creditdomain "github.com/meterkit/creditledger/internal/credit/domain"
	"github.com/meterkit/creditledger/pkg/db"
	"github.com/meterkit/creditledger/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type DeductionParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    creditdomain.Repository
	Clock   clock.Clock
	Metrics *telemetry.Metrics `optional:"true"`
}

// DeductionService implements waterfall deduction and the two-phase
// hold/confirm/release reservation protocol plus refunds.
type DeductionService struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    creditdomain.Repository
	clock   clock.Clock
	metrics *telemetry.Metrics
}

// errHoldSettled aborts a transaction whose held rows were settled by a
// concurrent operation after they were listed. The rollback undoes any
// balance restores staged before the transition; callers report an
// idempotent success.
var errHoldSettled = errors.New("hold already settled")

func NewDeductionService(p DeductionParams) creditdomain.Deductions {
	return &DeductionService{
		db:      p.DB,
		log:     p.Log.Named("credit.deduction"),
		genID:   p.GenID,
		repo:    p.Repo,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

// applyWaterfall locks the user's usable grants in deduction order and drains
// them until amount is covered, writing one log entry per grant touched.
// Called inside a transaction only.
func (s *DeductionService) applyWaterfall(
	ctx context.Context,
	tx *gorm.DB,
	userID snowflake.ID,
	amount int64,
	eventID string,
	action creditdomain.LogAction,
	reason string,
	metadata map[string]any,
) error {
	now := s.clock.Now()
	grants, err := s.repo.ListUsableGrantsForUpdate(ctx, tx, userID, now)
	if err != nil {
		return err
	}

	// The callers' idempotency checks ran before the row locks, on a
	// snapshot that may predate a concurrent retry's commit. Re-check here,
	// under the locks, where that commit is visible; the unique index on
	// (event_id, grant_id, action) stays as the backstop.
	for _, settled := range []creditdomain.LogAction{creditdomain.ActionConsumed, creditdomain.ActionHeld} {
		existing, err := s.repo.ListLogsByEvent(ctx, tx, userID, eventID, settled)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			s.log.Debug("event settled while waiting for grant locks",
				zap.String("event_id", eventID),
				zap.String("state", string(settled)),
			)
			return nil
		}
	}

	var total int64
	for _, grant := range grants {
		total += grant.Balance
	}
	if total < amount {
		return creditdomain.ErrInsufficientCredits
	}

	remaining := amount
	entries := make([]creditdomain.LogEntry, 0, 2)
	for _, grant := range grants {
		if remaining == 0 {
			break
		}
		take := grant.Balance
		if take > remaining {
			take = remaining
		}
		if err := s.repo.UpdateGrantBalance(ctx, tx, grant.ID, grant.Balance-take, now); err != nil {
			return err
		}
		gid := grant.ID
		evt := eventID
		entries = append(entries, creditdomain.LogEntry{
			ID:           s.genID.Generate(),
			UserID:       userID,
			GrantID:      &gid,
			GrantType:    grant.Type,
			Action:       action,
			AmountChange: -take,
			EventID:      &evt,
			Reason:       reason,
			Metadata:     creditdomain.MetadataJSON(metadata),
			CreatedAt:    now,
		})
		remaining -= take
	}
	return s.repo.InsertLogs(ctx, tx, entries)
}

func (s *DeductionService) DeductCredits(ctx context.Context, req creditdomain.DeductRequest) error {
	if req.UserID == 0 {
		return creditdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return creditdomain.ErrInvalidAmount
	}
	if req.EventID == "" {
		return creditdomain.ErrMissingEventID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		consumed, err := s.repo.ListLogsByEvent(ctx, tx, req.UserID, req.EventID, creditdomain.ActionConsumed)
		if err != nil {
			return err
		}
		if len(consumed) > 0 {
			s.log.Debug("deduct already processed", zap.String("event_id", req.EventID))
			return nil
		}

		held, err := s.repo.ListLogsByEvent(ctx, tx, req.UserID, req.EventID, creditdomain.ActionHeld)
		if err != nil {
			return err
		}
		if len(held) > 0 {
			// The event was already reserved; confirm the reservation
			// in place, but only if the amounts agree exactly.
			var heldAmount int64
			ids := make([]snowflake.ID, 0, len(held))
			for _, entry := range held {
				heldAmount += -entry.AmountChange
				ids = append(ids, entry.ID)
			}
			if heldAmount != req.Amount {
				return creditdomain.ErrAmountMismatch
			}
			affected, err := s.repo.MarkHeldConsumed(ctx, tx, ids, req.Reason)
			if err != nil {
				return err
			}
			if affected != int64(len(ids)) {
				return errHoldSettled
			}
			return nil
		}

		return s.applyWaterfall(ctx, tx, req.UserID, req.Amount, req.EventID, creditdomain.ActionConsumed, req.Reason, req.Metadata)
	})
	if err != nil {
		if errors.Is(err, errHoldSettled) || db.IsDuplicateKeyErr(err) {
			s.log.Debug("deduct raced with a concurrent retry", zap.String("event_id", req.EventID))
			s.metrics.IncOperation("deduct", "duplicate")
			return nil
		}
		s.metrics.IncOperation("deduct", "error")
		return err
	}

	s.metrics.IncOperation("deduct", "ok")
	s.metrics.AddCreditsDeducted("deduct", req.Amount)
	return nil
}

func (s *DeductionService) HoldCredits(ctx context.Context, req creditdomain.HoldRequest) error {
	if req.UserID == 0 {
		return creditdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return creditdomain.ErrInvalidAmount
	}
	if req.EventID == "" {
		return creditdomain.ErrMissingEventID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, action := range []creditdomain.LogAction{creditdomain.ActionHeld, creditdomain.ActionConsumed} {
			existing, err := s.repo.ListLogsByEvent(ctx, tx, req.UserID, req.EventID, action)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				s.log.Debug("hold already processed",
					zap.String("event_id", req.EventID),
					zap.String("state", string(action)),
				)
				return nil
			}
		}
		return s.applyWaterfall(ctx, tx, req.UserID, req.Amount, req.EventID, creditdomain.ActionHeld, req.Reason, nil)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			s.metrics.IncOperation("hold", "duplicate")
			return nil
		}
		s.metrics.IncOperation("hold", "error")
		return err
	}

	s.metrics.IncOperation("hold", "ok")
	s.metrics.AddCreditsDeducted("hold", req.Amount)
	return nil
}

func (s *DeductionService) ConfirmHold(ctx context.Context, userID snowflake.ID, eventID, reason string) error {
	if userID == 0 {
		return creditdomain.ErrInvalidUser
	}
	if eventID == "" {
		return creditdomain.ErrMissingEventID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		held, err := s.repo.ListLogsByEvent(ctx, tx, userID, eventID, creditdomain.ActionHeld)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			s.log.Debug("no held credits to confirm", zap.String("event_id", eventID))
			return nil
		}
		ids := make([]snowflake.ID, 0, len(held))
		for _, entry := range held {
			ids = append(ids, entry.ID)
		}
		affected, err := s.repo.MarkHeldConsumed(ctx, tx, ids, reason)
		if err != nil {
			return err
		}
		if affected != int64(len(ids)) {
			return errHoldSettled
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errHoldSettled) {
			s.log.Debug("hold settled before confirm", zap.String("event_id", eventID))
			s.metrics.IncOperation("confirm", "duplicate")
			return nil
		}
		s.metrics.IncOperation("confirm", "error")
		return err
	}
	s.metrics.IncOperation("confirm", "ok")
	return nil
}

func (s *DeductionService) ReleaseCredits(ctx context.Context, userID snowflake.ID, eventID, reason string) error {
	if userID == 0 {
		return creditdomain.ErrInvalidUser
	}
	if eventID == "" {
		return creditdomain.ErrMissingEventID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		held, err := s.repo.ListLogsByEvent(ctx, tx, userID, eventID, creditdomain.ActionHeld)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			released, err := s.repo.ListLogsByEvent(ctx, tx, userID, eventID, creditdomain.ActionReleased)
			if err != nil {
				return err
			}
			if len(released) > 0 {
				s.log.Debug("hold already released", zap.String("event_id", eventID))
			} else {
				s.log.Debug("no held credits to release", zap.String("event_id", eventID))
			}
			return nil
		}

		now := s.clock.Now()
		ids := make([]snowflake.ID, 0, len(held))
		for _, entry := range held {
			ids = append(ids, entry.ID)
			if entry.GrantID == nil {
				continue
			}
			grant, err := s.repo.FindGrantByIDForUpdate(ctx, tx, *entry.GrantID)
			if err != nil {
				return err
			}
			if grant == nil {
				continue
			}
			if err := s.repo.UpdateGrantBalance(ctx, tx, grant.ID, grant.Balance+(-entry.AmountChange), now); err != nil {
				return err
			}
		}
		// If another transaction settled any of these rows after we listed
		// them, abort so the balance restores above roll back with us.
		affected, err := s.repo.MarkHeldReleased(ctx, tx, ids, reason)
		if err != nil {
			return err
		}
		if affected != int64(len(ids)) {
			return errHoldSettled
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errHoldSettled) {
			s.log.Debug("hold settled before release", zap.String("event_id", eventID))
			s.metrics.IncOperation("release", "duplicate")
			return nil
		}
		s.metrics.IncOperation("release", "error")
		return err
	}
	s.metrics.IncOperation("release", "ok")
	return nil
}

// RefundCredits restores consumed balance as a new economic event: the
// original consumed rows stay untouched and one refunded row is written per
// consumed row, so audits see both sides.
func (s *DeductionService) RefundCredits(ctx context.Context, req creditdomain.RefundRequest) error {
	if req.UserID == 0 {
		return creditdomain.ErrInvalidUser
	}
	if req.EventID == "" {
		return creditdomain.ErrMissingEventID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		refunded, err := s.repo.ListLogsByEvent(ctx, tx, req.UserID, req.EventID, creditdomain.ActionRefunded)
		if err != nil {
			return err
		}
		if len(refunded) > 0 {
			s.log.Debug("refund already processed", zap.String("event_id", req.EventID))
			return nil
		}

		consumed, err := s.repo.ListLogsByEvent(ctx, tx, req.UserID, req.EventID, creditdomain.ActionConsumed)
		if err != nil {
			return err
		}
		if len(consumed) == 0 {
			return creditdomain.ErrNothingToRefund
		}

		now := s.clock.Now()
		entries := make([]creditdomain.LogEntry, 0, len(consumed))
		for _, entry := range consumed {
			amount := -entry.AmountChange
			if entry.GrantID != nil {
				grant, err := s.repo.FindGrantByIDForUpdate(ctx, tx, *entry.GrantID)
				if err != nil {
					return err
				}
				if grant != nil {
					if err := s.repo.UpdateGrantBalance(ctx, tx, grant.ID, grant.Balance+amount, now); err != nil {
						return err
					}
				}
			}
			evt := req.EventID
			entries = append(entries, creditdomain.LogEntry{
				ID:           s.genID.Generate(),
				UserID:       req.UserID,
				GrantID:      entry.GrantID,
				GrantType:    entry.GrantType,
				Action:       creditdomain.ActionRefunded,
				AmountChange: amount,
				EventID:      &evt,
				Reason:       req.Reason,
				Metadata:     creditdomain.MetadataJSON(req.Metadata),
				CreatedAt:    now,
			})
		}
		return s.repo.InsertLogs(ctx, tx, entries)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			s.metrics.IncOperation("refund", "duplicate")
			return nil
		}
		s.metrics.IncOperation("refund", "error")
		return err
	}
	s.metrics.IncOperation("refund", "ok")
	return nil
}

// HasEnoughCredits is a lock-free pre-check; the authoritative check is the
// locked computation inside DeductCredits/HoldCredits.
func (s *DeductionService) HasEnoughCredits(ctx context.Context, userID snowflake.ID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, creditdomain.ErrInvalidAmount
	}
	grants, err := s.repo.ListUsableGrants(ctx, s.db, userID, s.clock.Now())
	if err != nil {
		return false, err
	}
	var total int64
	for _, grant := range grants {
		total += grant.Balance
		if total >= amount {
			return true, nil
		}
	}
	return total >= amount, nil
}
