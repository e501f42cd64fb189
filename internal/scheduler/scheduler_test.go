package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/meterkit/creditledger/internal/billing/domain"
	billingrepository "github.com/meterkit/creditledger/internal/billing/repository"
	"github.com/meterkit/creditledger/internal/clock"
	creditdomain "github.com/meterkit/creditledger/internal/credit/domain"
	creditrepository "github.com/meterkit/creditledger/internal/credit/repository"
	creditservice "github.com/meterkit/creditledger/internal/credit/service"
	"github.com/meterkit/creditledger/internal/plan"
	"github.com/meterkit/creditledger/internal/testdb"
	userdomain "github.com/meterkit/creditledger/internal/user/domain"
	userrepository "github.com/meterkit/creditledger/internal/user/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type schedulerEnv struct {
	db     *gorm.DB
	clk    *clock.FakeClock
	sched  *Scheduler
	grants creditdomain.Grants
	nextID snowflake.ID
}

func newSchedulerEnv(t *testing.T) *schedulerEnv {
	t.Helper()

	db := testdb.Open(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	repo := creditrepository.Provide()

	grants := creditservice.NewGrantService(creditservice.GrantParams{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  repo,
		Clock: clk,
	})

	catalog, err := plan.NewStaticCatalog(log, plan.DefaultPolicies())
	require.NoError(t, err)

	sched, err := New(Params{
		DB:          db,
		Log:         log,
		GrantSvc:    grants,
		CreditRepo:  repo,
		UserRepo:    userrepository.Provide(),
		BillingRepo: billingrepository.Provide(),
		Catalog:     catalog,
		GenID:       node,
		Clock:       clk,
	})
	require.NoError(t, err)

	return &schedulerEnv{
		db:     db,
		clk:    clk,
		sched:  sched,
		grants: grants,
		nextID: snowflake.ID(1000),
	}
}

func (e *schedulerEnv) addUser(t *testing.T, banned bool) snowflake.ID {
	t.Helper()

	e.nextID++
	user := userdomain.User{
		ID:        e.nextID,
		Email:     "user@example.com",
		Banned:    banned,
		CreatedAt: e.clk.Now(),
	}
	require.NoError(t, e.db.Create(&user).Error)
	return user.ID
}

func (e *schedulerEnv) addPayment(t *testing.T, userID snowflake.ID, priceID string, status billingdomain.PaymentStatus, paid bool) {
	t.Helper()

	e.nextID++
	record := billingdomain.PaymentRecord{
		ID:        e.nextID,
		UserID:    userID,
		PriceID:   priceID,
		Status:    status,
		Paid:      paid,
		CreatedAt: e.clk.Now(),
	}
	require.NoError(t, e.db.Create(&record).Error)
}

func (e *schedulerEnv) userGrants(t *testing.T, userID snowflake.ID) []creditdomain.Grant {
	t.Helper()

	grants, err := e.grants.GetAllGrants(context.Background(), userID)
	require.NoError(t, err)
	return grants
}

func TestRunMonthlyGrantJob_FreeUsers(t *testing.T) {
	env := newSchedulerEnv(t)
	ctx := context.Background()

	alice := env.addUser(t, false)
	bob := env.addUser(t, false)

	report, err := env.sched.RunMonthlyGrantJob(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "2025-03", report.Period)
	assert.Equal(t, GroupResult{Granted: 2}, report.Groups[GroupFree])

	monthEnd := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	for _, userID := range []snowflake.ID{alice, bob} {
		grants := env.userGrants(t, userID)
		require.Len(t, grants, 1)
		assert.Equal(t, creditdomain.GrantTypePromo, grants[0].Type)
		assert.Equal(t, int64(100), grants[0].Balance)
		require.NotNil(t, grants[0].ExpiresAt)
		assert.True(t, grants[0].ExpiresAt.Equal(monthEnd))
		require.NotNil(t, grants[0].SourceRef)
		assert.Equal(t, monthlySourceRef(GroupFree, userID, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)), *grants[0].SourceRef)
	}

	// Same month again: everyone already granted, nothing new.
	report, err = env.sched.RunMonthlyGrantJob(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, GroupResult{Skipped: 2}, report.Groups[GroupFree])
	assert.Equal(t, 2, report.AlreadyGranted)
	assert.Len(t, env.userGrants(t, alice), 1)

	// Next month the stipend recurs.
	env.clk.Advance(31 * 24 * time.Hour)
	report, err = env.sched.RunMonthlyGrantJob(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "2025-04", report.Period)
	assert.Equal(t, GroupResult{Granted: 2}, report.Groups[GroupFree])
	assert.Len(t, env.userGrants(t, alice), 2)
}

func TestRunMonthlyGrantJob_DryRun(t *testing.T) {
	env := newSchedulerEnv(t)
	ctx := context.Background()

	userID := env.addUser(t, false)

	report, err := env.sched.RunMonthlyGrantJob(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, GroupResult{Granted: 1}, report.Groups[GroupFree])
	assert.Empty(t, env.userGrants(t, userID))

	report, err = env.sched.RunMonthlyGrantJob(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, GroupResult{Granted: 1}, report.Groups[GroupFree])
	assert.Len(t, env.userGrants(t, userID), 1)
}

func TestRunMonthlyGrantJob_PartitionsByPlan(t *testing.T) {
	env := newSchedulerEnv(t)
	ctx := context.Background()

	lifetime := env.addUser(t, false)
	env.addPayment(t, lifetime, "price_lifetime", billingdomain.StatusCompleted, true)

	yearly := env.addUser(t, false)
	env.addPayment(t, yearly, "price_pro_yearly", billingdomain.StatusActive, true)

	monthly := env.addUser(t, false)
	env.addPayment(t, monthly, "price_pro_monthly", billingdomain.StatusActive, true)

	lapsed := env.addUser(t, false)
	env.addPayment(t, lapsed, "price_pro_monthly", billingdomain.StatusCanceled, false)

	report, err := env.sched.RunMonthlyGrantJob(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, GroupResult{Granted: 1}, report.Groups[GroupLifetime])
	assert.Equal(t, GroupResult{Granted: 1}, report.Groups[GroupYearly])
	assert.Equal(t, GroupResult{Granted: 1}, report.Groups[GroupFree])

	lifetimeGrants := env.userGrants(t, lifetime)
	require.Len(t, lifetimeGrants, 1)
	assert.Equal(t, creditdomain.GrantTypeLifetime, lifetimeGrants[0].Type)
	assert.Equal(t, int64(1000), lifetimeGrants[0].Balance)
	assert.Nil(t, lifetimeGrants[0].ExpiresAt)

	yearlyGrants := env.userGrants(t, yearly)
	require.Len(t, yearlyGrants, 1)
	assert.Equal(t, creditdomain.GrantTypeSubscription, yearlyGrants[0].Type)
	assert.Equal(t, int64(500), yearlyGrants[0].Balance)
	require.NotNil(t, yearlyGrants[0].ExpiresAt)
	assert.True(t, yearlyGrants[0].ExpiresAt.Equal(env.clk.Now().AddDate(0, 0, 30)))

	// Monthly subscribers are granted by their renewal webhook, not here.
	assert.Empty(t, env.userGrants(t, monthly))

	// A payment that never qualified leaves the user on the free tier.
	lapsedGrants := env.userGrants(t, lapsed)
	require.Len(t, lapsedGrants, 1)
	assert.Equal(t, creditdomain.GrantTypePromo, lapsedGrants[0].Type)
}

func TestRunMonthlyGrantJob_UnknownPriceExcluded(t *testing.T) {
	env := newSchedulerEnv(t)

	userID := env.addUser(t, false)
	env.addPayment(t, userID, "price_retired", billingdomain.StatusActive, true)

	report, err := env.sched.RunMonthlyGrantJob(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, report.Groups)
	assert.Empty(t, env.userGrants(t, userID))
}

func TestRunMonthlyGrantJob_BannedUserExcluded(t *testing.T) {
	env := newSchedulerEnv(t)

	banned := env.addUser(t, true)
	active := env.addUser(t, false)

	report, err := env.sched.RunMonthlyGrantJob(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, GroupResult{Granted: 1}, report.Groups[GroupFree])
	assert.Empty(t, env.userGrants(t, banned))
	assert.Len(t, env.userGrants(t, active), 1)
}

func TestRunMonthlyGrantJob_SkipsWebhookGrantedSubscription(t *testing.T) {
	env := newSchedulerEnv(t)
	ctx := context.Background()

	userID := env.addUser(t, false)
	env.addPayment(t, userID, "price_pro_yearly", billingdomain.StatusActive, true)

	// The renewal webhook already issued this month's subscription credits.
	webhookRef := "stripe:evt_renewal_123"
	_, err := env.grants.CreateGrant(ctx, creditdomain.CreateGrantRequest{
		UserID:    userID,
		Type:      creditdomain.GrantTypeSubscription,
		Amount:    500,
		SourceRef: &webhookRef,
	})
	require.NoError(t, err)

	report, err := env.sched.RunMonthlyGrantJob(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, GroupResult{Skipped: 1}, report.Groups[GroupYearly])
	assert.Len(t, env.userGrants(t, userID), 1)
}

func TestExpirationSweepJob(t *testing.T) {
	env := newSchedulerEnv(t)
	ctx := context.Background()

	alice := env.addUser(t, false)
	bob := env.addUser(t, false)
	expiry := env.clk.Now().Add(time.Hour)

	_, err := env.grants.CreateGrant(ctx, creditdomain.CreateGrantRequest{
		UserID: alice, Type: creditdomain.GrantTypePromo, Amount: 40, ExpiresAt: &expiry,
	})
	require.NoError(t, err)
	_, err = env.grants.CreateGrant(ctx, creditdomain.CreateGrantRequest{
		UserID: bob, Type: creditdomain.GrantTypeTopup, Amount: 60, ExpiresAt: &expiry,
	})
	require.NoError(t, err)
	_, err = env.grants.CreateGrant(ctx, creditdomain.CreateGrantRequest{
		UserID: bob, Type: creditdomain.GrantTypeLifetime, Amount: 500,
	})
	require.NoError(t, err)

	env.clk.Advance(2 * time.Hour)

	total, err := env.sched.ExpirationSweepJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)

	keeper := env.userGrants(t, bob)
	var lifetimeBalance int64
	for _, g := range keeper {
		if g.Type == creditdomain.GrantTypeLifetime {
			lifetimeBalance = g.Balance
		}
	}
	assert.Equal(t, int64(500), lifetimeBalance)

	total, err = env.sched.ExpirationSweepJob(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRunMonthlyGrantJob_SweepsBeforeGranting(t *testing.T) {
	env := newSchedulerEnv(t)
	ctx := context.Background()

	userID := env.addUser(t, false)
	expiry := env.clk.Now().Add(-time.Hour)
	_, err := env.grants.CreateGrant(ctx, creditdomain.CreateGrantRequest{
		UserID: userID, Type: creditdomain.GrantTypeTopup, Amount: 25, ExpiresAt: &expiry,
	})
	require.NoError(t, err)

	report, err := env.sched.RunMonthlyGrantJob(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(25), report.ExpiredSwept)
	assert.Equal(t, GroupResult{Granted: 1}, report.Groups[GroupFree])
}
