package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterkit/creditledger/internal/clock"
	creditdomain "github.com/meterkit/creditledger/internal/credit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type BalanceParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  creditdomain.Repository
	Clock clock.Clock
}

// BalanceService is the read side: balance and spend projections computed
// from the current grant rows and the ledger, without locking.
type BalanceService struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  creditdomain.Repository
	clock clock.Clock
}

func NewBalanceService(p BalanceParams) creditdomain.Balances {
	return &BalanceService{
		db:    p.DB,
		log:   p.Log.Named("credit.balance"),
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func earliest(current *time.Time, candidate *time.Time) *time.Time {
	if candidate == nil {
		return current
	}
	if current == nil || candidate.Before(*current) {
		t := *candidate
		return &t
	}
	return current
}

func (s *BalanceService) GetBalance(ctx context.Context, userID snowflake.ID) (creditdomain.BalanceBreakdown, error) {
	grants, err := s.repo.ListUsableGrants(ctx, s.db, userID, s.clock.Now())
	if err != nil {
		return creditdomain.BalanceBreakdown{}, err
	}

	var out creditdomain.BalanceBreakdown
	for _, grant := range grants {
		out.Total += grant.Balance
		switch grant.Type {
		case creditdomain.GrantTypeSubscription:
			out.Subscription.Balance += grant.Balance
			out.Subscription.EarliestExpiresAt = earliest(out.Subscription.EarliestExpiresAt, grant.ExpiresAt)
		case creditdomain.GrantTypeLifetime:
			out.Lifetime.Balance += grant.Balance
			out.Lifetime.EarliestExpiresAt = earliest(out.Lifetime.EarliestExpiresAt, grant.ExpiresAt)
		case creditdomain.GrantTypeTopup:
			out.Topup.Balance += grant.Balance
			if grant.ExpiresAt != nil {
				out.Topup.Expiring += grant.Balance
			} else {
				out.Topup.NonExpiring += grant.Balance
			}
			out.Topup.EarliestExpiresAt = earliest(out.Topup.EarliestExpiresAt, grant.ExpiresAt)
		default:
			out.Other.Balance += grant.Balance
			out.Other.EarliestExpiresAt = earliest(out.Other.EarliestExpiresAt, grant.ExpiresAt)
		}
	}
	return out, nil
}

func (s *BalanceService) GetTotalBalance(ctx context.Context, userID snowflake.ID) (int64, error) {
	grants, err := s.repo.ListUsableGrants(ctx, s.db, userID, s.clock.Now())
	if err != nil {
		return 0, err
	}
	var total int64
	for _, grant := range grants {
		total += grant.Balance
	}
	return total, nil
}

// GetSpentThisPeriod reports net consumption (consumed minus refunded) inside
// [start, end). When either bound is missing the current calendar month is
// used. Entries whose grant type was not denormalized at write time fall back
// to a grant lookup; when the grant is gone too, the entry still counts in
// the other bucket so totals never understate spend.
func (s *BalanceService) GetSpentThisPeriod(ctx context.Context, userID snowflake.ID, start, end *time.Time) (creditdomain.SpendBreakdown, error) {
	now := s.clock.Now()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	if start != nil && end != nil {
		periodStart = *start
		periodEnd = *end
	}

	entries, err := s.repo.ListLogsInWindow(ctx, s.db, userID,
		[]creditdomain.LogAction{creditdomain.ActionConsumed, creditdomain.ActionRefunded},
		periodStart, periodEnd,
	)
	if err != nil {
		return creditdomain.SpendBreakdown{}, err
	}

	out := creditdomain.SpendBreakdown{PeriodStart: periodStart, PeriodEnd: periodEnd}
	for _, entry := range entries {
		// Consumed rows carry a negative change, refunded rows a positive
		// one, so negating always yields net spend.
		spent := -entry.AmountChange

		grantType := entry.GrantType
		if grantType == "" && entry.GrantID != nil {
			grant, err := s.repo.FindGrantByID(ctx, s.db, *entry.GrantID)
			if err != nil {
				return creditdomain.SpendBreakdown{}, err
			}
			if grant != nil {
				grantType = grant.Type
			}
		}

		out.Total += spent
		switch grantType {
		case creditdomain.GrantTypeSubscription:
			out.Subscription += spent
		case creditdomain.GrantTypeLifetime:
			out.Lifetime += spent
		case creditdomain.GrantTypeTopup:
			out.Topup += spent
		default:
			out.Other += spent
		}
	}
	return out, nil
}

// GetExpiringCredits sums usable balance expiring strictly after now and
// strictly before now plus withinDays days.
func (s *BalanceService) GetExpiringCredits(ctx context.Context, userID snowflake.ID, withinDays int) (creditdomain.ExpiringCredits, error) {
	now := s.clock.Now()
	cutoff := now.AddDate(0, 0, withinDays)

	grants, err := s.repo.ListUsableGrants(ctx, s.db, userID, now)
	if err != nil {
		return creditdomain.ExpiringCredits{}, err
	}

	var out creditdomain.ExpiringCredits
	for _, grant := range grants {
		if grant.ExpiresAt == nil || !grant.ExpiresAt.Before(cutoff) {
			continue
		}
		out.Amount += grant.Balance
		out.EarliestExpiration = earliest(out.EarliestExpiration, grant.ExpiresAt)
	}
	return out, nil
}

func (s *BalanceService) GetTransactionLogs(ctx context.Context, req creditdomain.ListLogsRequest) (creditdomain.ListLogsResponse, error) {
	if req.UserID == 0 {
		return creditdomain.ListLogsResponse{}, creditdomain.ErrInvalidUser
	}
	page := req.Pagination.Normalize()

	entries, total, err := s.repo.ListLogsPage(ctx, s.db, creditdomain.LogPageQuery{
		UserID:     req.UserID,
		Search:     req.Search,
		FilterType: req.FilterType,
		SortField:  req.SortField,
		SortDesc:   req.SortDesc,
		Offset:     page.Offset(),
		Limit:      page.Limit(),
	})
	if err != nil {
		return creditdomain.ListLogsResponse{}, err
	}
	if entries == nil {
		entries = []creditdomain.LogEntry{}
	}
	return creditdomain.ListLogsResponse{Items: entries, Total: total}, nil
}
