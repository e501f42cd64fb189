package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/meterkit/creditledger/internal/billing/domain"
	"github.com/meterkit/creditledger/internal/clock"
	creditdomain "github.com/meterkit/creditledger/internal/credit/domain"
	"github.com/meterkit/creditledger/internal/joblock"
	"github.com/meterkit/creditledger/internal/plan"
	userdomain "github.com/meterkit/creditledger/internal/user/domain"
	"github.com/meterkit/creditledger/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler dependencies are incomplete")

const monthlyGrantLockKey = "jobs:monthly_grants"

// Stipend groups partition eligible users by how their monthly credits are
// sized. Monthly-interval subscribers are absent on purpose: their renewal
// webhook grants them through the event-driven path.
const (
	GroupFree     = "free"
	GroupLifetime = "lifetime"
	GroupYearly   = "yearly"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GrantSvc    creditdomain.Grants
	CreditRepo  creditdomain.Repository
	UserRepo    userdomain.Repository
	BillingRepo billingdomain.Repository
	Catalog     *plan.Catalog
	Locker      *joblock.Locker `optional:"true"`
	GenID       *snowflake.Node
	Clock       clock.Clock
	Metrics     *telemetry.Metrics `optional:"true"`
	Config      Config             `optional:"true"`
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	grantSvc    creditdomain.Grants
	creditRepo  creditdomain.Repository
	userRepo    userdomain.Repository
	billingRepo billingdomain.Repository
	catalog     *plan.Catalog
	locker      *joblock.Locker
	metrics     *telemetry.Metrics

	freeTierCredits int64
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GrantSvc == nil || p.CreditRepo == nil || p.UserRepo == nil || p.BillingRepo == nil || p.Catalog == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             cfg,
		genID:           p.GenID,
		clock:           p.Clock,
		grantSvc:        p.GrantSvc,
		creditRepo:      p.CreditRepo,
		userRepo:        p.UserRepo,
		billingRepo:     p.BillingRepo,
		catalog:         p.Catalog,
		locker:          p.Locker,
		metrics:         p.Metrics,
		freeTierCredits: cfg.FreeTierCredits,
	}, nil
}

// GroupResult counts monthly grant outcomes for one stipend group.
type GroupResult struct {
	Granted int `json:"granted"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// JobReport summarizes one monthly grant run.
type JobReport struct {
	DryRun         bool                   `json:"dry_run"`
	Period         string                 `json:"period"`
	ExpiredSwept   int64                  `json:"expired_swept"`
	Groups         map[string]GroupResult `json:"groups"`
	AlreadyGranted int                    `json:"already_granted"`
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	err = errors.Join(err, s.runJob(parent, "expiration_sweep", func(ctx context.Context) error {
		_, sweepErr := s.ExpirationSweepJob(ctx)
		return sweepErr
	}))
	err = errors.Join(err, s.runJob(parent, "monthly_grants", func(ctx context.Context) error {
		_, jobErr := s.RunMonthlyGrantJob(ctx, s.cfg.DryRun)
		return jobErr
	}))

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		s.metrics.IncSchedulerRun(name, "ok")
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.IncSchedulerRun(name, "timeout")
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	s.metrics.IncSchedulerRun(name, "error")
	return fmt.Errorf("%s: %w", name, err)
}

// ExpirationSweepJob zeroes every expired, still-positive grant balance
// across all users. Returns the total credits expired.
func (s *Scheduler) ExpirationSweepJob(ctx context.Context) (int64, error) {
	ctx, run, owner := s.ensureJobRun(ctx, "expiration_sweep", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	now := s.clock.Now()
	userIDs, err := s.creditRepo.ListUserIDsWithExpiredGrants(ctx, s.db, now)
	if err != nil {
		s.logSchedulerError(run, "scheduler.sweep.scan.failed", "expiration_sweep", 0, err)
		return 0, err
	}

	var total int64
	var jobErr error
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			jobErr = errors.Join(jobErr, ctx.Err())
			break
		}
		expired, err := s.grantSvc.ProcessExpiredGrants(ctx, userID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(run, "scheduler.sweep.user.failed", "expiration_sweep", userID, err)
			continue
		}
		total += expired
		run.AddProcessed(1)
	}
	return total, jobErr
}

// RunMonthlyGrantJob issues the recurring monthly stipends: promo credits for
// free-tier users, and plan-sized credits for lifetime and yearly
// subscribers. Re-running within the same calendar month is a no-op for
// users already granted.
func (s *Scheduler) RunMonthlyGrantJob(ctx context.Context, dryRun bool) (JobReport, error) {
	ctx, run, owner := s.ensureJobRun(ctx, "monthly_grants", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	now := s.clock.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	report := JobReport{
		DryRun: dryRun,
		Period: monthStart.Format("2006-01"),
		Groups: map[string]GroupResult{},
	}

	token, acquired, err := s.locker.TryLock(ctx, monthlyGrantLockKey, s.cfg.LockTTL)
	if err != nil {
		s.logSchedulerError(run, "scheduler.lock.failed", "monthly_grants", 0, err)
		return report, err
	}
	if !acquired {
		s.log.Info("monthly grant job already running elsewhere")
		return report, nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), monthlyGrantLockKey, token); err != nil {
			s.log.Warn("lock release failed", zap.Error(err))
		}
	}()

	swept, err := s.ExpirationSweepJob(ctx)
	if err != nil {
		s.logSchedulerError(run, "scheduler.sweep.failed", "monthly_grants", 0, err)
	}
	report.ExpiredSwept = swept

	users, err := s.userRepo.ListEligible(ctx, s.db)
	if err != nil {
		s.logSchedulerError(run, "scheduler.users.load.failed", "monthly_grants", 0, err)
		return report, err
	}
	if len(users) == 0 {
		return report, nil
	}

	userIDs := make([]snowflake.ID, 0, len(users))
	for _, u := range users {
		userIDs = append(userIDs, u.ID)
	}
	payments, err := s.billingRepo.LatestQualifying(ctx, s.db, userIDs)
	if err != nil {
		s.logSchedulerError(run, "scheduler.payments.load.failed", "monthly_grants", 0, err)
		return report, err
	}

	groups := s.partition(userIDs, payments, run)

	var jobErr error
	for _, group := range []string{GroupFree, GroupLifetime, GroupYearly} {
		members := groups[group]
		if len(members) == 0 {
			continue
		}
		result, already, groupErr := s.grantGroup(ctx, run, group, members, payments, monthStart, monthEnd, dryRun)
		if groupErr != nil {
			jobErr = errors.Join(jobErr, groupErr)
		}
		report.Groups[group] = result
		report.AlreadyGranted += already
	}
	return report, jobErr
}

// partition assigns each user to a stipend group based on their latest
// qualifying payment. Monthly subscribers and users on unknown prices are
// left out.
func (s *Scheduler) partition(userIDs []snowflake.ID, payments map[snowflake.ID]billingdomain.PaymentRecord, run *jobRun) map[string][]snowflake.ID {
	groups := map[string][]snowflake.ID{}
	for _, userID := range userIDs {
		payment, paid := payments[userID]
		if !paid {
			groups[GroupFree] = append(groups[GroupFree], userID)
			continue
		}
		policy, known := s.catalog.Lookup(payment.PriceID)
		if !known {
			s.log.Warn("payment references unknown price",
				zap.String("user_id", idString(userID)),
				zap.String("price_id", payment.PriceID),
			)
			run.IncError()
			continue
		}
		switch {
		case policy.IsLifetime:
			groups[GroupLifetime] = append(groups[GroupLifetime], userID)
		case policy.Interval == plan.IntervalYear:
			groups[GroupYearly] = append(groups[GroupYearly], userID)
		}
	}
	return groups
}

func (s *Scheduler) grantGroup(
	ctx context.Context,
	run *jobRun,
	group string,
	members []snowflake.ID,
	payments map[snowflake.ID]billingdomain.PaymentRecord,
	monthStart, monthEnd time.Time,
	dryRun bool,
) (GroupResult, int, error) {
	var result GroupResult
	grantType := groupGrantType(group)

	granted, err := s.creditRepo.ListUserIDsGrantedInWindow(ctx, s.db, members, grantType, monthStart, monthEnd)
	if err != nil {
		s.logSchedulerError(run, "scheduler.granted.scan.failed", "monthly_grants", 0, err, zap.String("group", group))
		return result, 0, err
	}
	alreadyGranted := make(map[snowflake.ID]struct{}, len(granted))
	for _, id := range granted {
		alreadyGranted[id] = struct{}{}
	}

	var jobErr error
	already := 0
	for _, userID := range members {
		if ctx.Err() != nil {
			jobErr = errors.Join(jobErr, ctx.Err())
			break
		}
		if _, ok := alreadyGranted[userID]; ok {
			already++
			result.Skipped++
			s.metrics.IncSchedulerGrant(group, "skipped")
			continue
		}

		req, err := s.buildGrantRequest(group, userID, payments, monthStart, monthEnd)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			result.Failed++
			s.metrics.IncSchedulerGrant(group, "failed")
			s.logSchedulerError(run, "scheduler.grant.build.failed", "monthly_grants", userID, err, zap.String("group", group))
			continue
		}

		if dryRun {
			s.log.Info("dry run: would create grant",
				zap.String("group", group),
				zap.String("user_id", idString(userID)),
				zap.String("type", string(req.Type)),
				zap.Int64("amount", req.Amount),
				zap.Stringp("source_ref", req.SourceRef),
			)
			result.Granted++
			continue
		}

		if _, err := s.grantSvc.CreateGrant(ctx, req); err != nil {
			jobErr = errors.Join(jobErr, err)
			result.Failed++
			s.metrics.IncSchedulerGrant(group, "failed")
			s.logSchedulerError(run, "scheduler.grant.create.failed", "monthly_grants", userID, err, zap.String("group", group))
			continue
		}
		result.Granted++
		run.AddProcessed(1)
		s.metrics.IncSchedulerGrant(group, "granted")
	}
	return result, already, jobErr
}

func (s *Scheduler) buildGrantRequest(
	group string,
	userID snowflake.ID,
	payments map[snowflake.ID]billingdomain.PaymentRecord,
	monthStart, monthEnd time.Time,
) (creditdomain.CreateGrantRequest, error) {
	sourceRef := monthlySourceRef(group, userID, monthStart)
	req := creditdomain.CreateGrantRequest{
		UserID:    userID,
		Type:      groupGrantType(group),
		SourceRef: &sourceRef,
	}

	switch group {
	case GroupFree:
		req.Amount = s.freeTierCredits
		expiresAt := monthEnd
		req.ExpiresAt = &expiresAt
		return req, nil
	case GroupLifetime, GroupYearly:
		payment, ok := payments[userID]
		if !ok {
			return req, fmt.Errorf("no qualifying payment for user %s", userID)
		}
		policy, known := s.catalog.Lookup(payment.PriceID)
		if !known {
			return req, fmt.Errorf("unknown price %s", payment.PriceID)
		}
		req.Amount = policy.CreditAmount
		if group == GroupYearly {
			days := policy.ExpirationDays
			if days <= 0 {
				days = 30
			}
			expiresAt := s.clock.Now().AddDate(0, 0, days)
			req.ExpiresAt = &expiresAt
		}
		return req, nil
	default:
		return req, fmt.Errorf("unknown stipend group %q", group)
	}
}

func groupGrantType(group string) creditdomain.GrantType {
	switch group {
	case GroupLifetime:
		return creditdomain.GrantTypeLifetime
	case GroupYearly:
		return creditdomain.GrantTypeSubscription
	default:
		return creditdomain.GrantTypePromo
	}
}

// monthlySourceRef is deterministic per (group, user, month), so re-running
// the job collides on the grant source ref instead of double-granting.
func monthlySourceRef(group string, userID snowflake.ID, monthStart time.Time) string {
	return fmt.Sprintf("monthly:%s:%s:%s", group, userID, monthStart.Format("2006-01"))
}
