package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/meterkit/creditledger/internal/credit/domain"
	pkgdb "github.com/meterkit/creditledger/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDeductCredits_WaterfallOrder(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(100)

	sub := env.createGrant(t, userID, creditdomain.GrantTypeSubscription, 50)
	topup := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)

	err := env.deductions.DeductCredits(context.Background(), creditdomain.DeductRequest{
		UserID: userID, Amount: 60, EventID: "evt-1",
	})
	require.NoError(t, err)

	// Subscription credits drain first, then topups cover the rest.
	assert.Equal(t, int64(0), env.grantBalance(t, sub))
	assert.Equal(t, int64(90), env.grantBalance(t, topup))

	consumed := env.logsByAction(t, userID, creditdomain.ActionConsumed)
	require.Len(t, consumed, 2)
	assert.Equal(t, int64(-50), consumed[0].AmountChange)
	assert.Equal(t, creditdomain.GrantTypeSubscription, consumed[0].GrantType)
	assert.Equal(t, int64(-10), consumed[1].AmountChange)
	assert.Equal(t, creditdomain.GrantTypeTopup, consumed[1].GrantType)
}

func TestDeductCredits_ExpiringBeforeNonExpiring(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(101)
	now := env.clk.Now()

	forever := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)
	soon := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100,
		withExpiry(now.Add(24*time.Hour)))

	err := env.deductions.DeductCredits(context.Background(), creditdomain.DeductRequest{
		UserID: userID, Amount: 30, EventID: "evt-2",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(70), env.grantBalance(t, soon))
	assert.Equal(t, int64(100), env.grantBalance(t, forever))
}

func TestDeductCredits_InsufficientLeavesNothingBehind(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(102)

	grantID := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 40)

	err := env.deductions.DeductCredits(context.Background(), creditdomain.DeductRequest{
		UserID: userID, Amount: 100, EventID: "evt-3",
	})
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredits)

	assert.Equal(t, int64(40), env.grantBalance(t, grantID))
	assert.Empty(t, env.logsByAction(t, userID, creditdomain.ActionConsumed))
}

func TestDeductCredits_SkipsExpiredGrants(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(103)
	now := env.clk.Now()

	env.createGrant(t, userID, creditdomain.GrantTypePromo, 100,
		withExpiry(now.Add(-time.Minute)))
	env.createGrant(t, userID, creditdomain.GrantTypeTopup, 20)

	err := env.deductions.DeductCredits(context.Background(), creditdomain.DeductRequest{
		UserID: userID, Amount: 50, EventID: "evt-4",
	})
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredits)
}

func TestDeductCredits_IdempotentUnderRetry(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(104)
	grantID := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)

	req := creditdomain.DeductRequest{UserID: userID, Amount: 30, EventID: "evt-retry"}
	require.NoError(t, env.deductions.DeductCredits(context.Background(), req))
	require.NoError(t, env.deductions.DeductCredits(context.Background(), req))
	require.NoError(t, env.deductions.DeductCredits(context.Background(), req))

	assert.Equal(t, int64(70), env.grantBalance(t, grantID))
	assert.Len(t, env.logsByAction(t, userID, creditdomain.ActionConsumed), 1)
}

func TestDeductCredits_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.deductions.DeductCredits(ctx, creditdomain.DeductRequest{UserID: 1, Amount: 10})
	assert.ErrorIs(t, err, creditdomain.ErrMissingEventID)

	err = env.deductions.DeductCredits(ctx, creditdomain.DeductRequest{UserID: 1, Amount: -1, EventID: "e"})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)

	err = env.deductions.DeductCredits(ctx, creditdomain.DeductRequest{Amount: 10, EventID: "e"})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidUser)
}

func TestHoldConfirm_EquivalentToDeduct(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(110)

	sub := env.createGrant(t, userID, creditdomain.GrantTypeSubscription, 50)
	topup := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)

	err := env.deductions.HoldCredits(context.Background(), creditdomain.HoldRequest{
		UserID: userID, Amount: 60, EventID: "evt-hold",
	})
	require.NoError(t, err)

	// Held credits already left the balances.
	assert.Equal(t, int64(0), env.grantBalance(t, sub))
	assert.Equal(t, int64(90), env.grantBalance(t, topup))
	require.Len(t, env.logsByAction(t, userID, creditdomain.ActionHeld), 2)

	err = env.deductions.ConfirmHold(context.Background(), userID, "evt-hold", "usage settled")
	require.NoError(t, err)

	assert.Empty(t, env.logsByAction(t, userID, creditdomain.ActionHeld))
	consumed := env.logsByAction(t, userID, creditdomain.ActionConsumed)
	require.Len(t, consumed, 2)
	assert.Equal(t, int64(-50), consumed[0].AmountChange)
	assert.Equal(t, int64(-10), consumed[1].AmountChange)
	assert.Equal(t, "usage settled", consumed[0].Reason)
}

func TestHoldCredits_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(111)
	grantID := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)

	req := creditdomain.HoldRequest{UserID: userID, Amount: 25, EventID: "evt-h2"}
	require.NoError(t, env.deductions.HoldCredits(context.Background(), req))
	require.NoError(t, env.deductions.HoldCredits(context.Background(), req))

	assert.Equal(t, int64(75), env.grantBalance(t, grantID))
	assert.Len(t, env.logsByAction(t, userID, creditdomain.ActionHeld), 1)
}

func TestHoldCredits_NoOpAfterConsumed(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(112)
	grantID := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)

	require.NoError(t, env.deductions.DeductCredits(context.Background(), creditdomain.DeductRequest{
		UserID: userID, Amount: 40, EventID: "evt-h3",
	}))
	require.NoError(t, env.deductions.HoldCredits(context.Background(), creditdomain.HoldRequest{
		UserID: userID, Amount: 40, EventID: "evt-h3",
	}))

	assert.Equal(t, int64(60), env.grantBalance(t, grantID))
}

func TestDeductCredits_ConfirmsExistingHold(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(113)
	grantID := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)

	require.NoError(t, env.deductions.HoldCredits(context.Background(), creditdomain.HoldRequest{
		UserID: userID, Amount: 30, EventID: "evt-h4",
	}))
	require.NoError(t, env.deductions.DeductCredits(context.Background(), creditdomain.DeductRequest{
		UserID: userID, Amount: 30, EventID: "evt-h4",
	}))

	// Balance moved once, at hold time.
	assert.Equal(t, int64(70), env.grantBalance(t, grantID))
	assert.Len(t, env.logsByAction(t, userID, creditdomain.ActionConsumed), 1)
	assert.Empty(t, env.logsByAction(t, userID, creditdomain.ActionHeld))
}

func TestDeductCredits_HeldAmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(114)
	grantID := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)

	require.NoError(t, env.deductions.HoldCredits(context.Background(), creditdomain.HoldRequest{
		UserID: userID, Amount: 30, EventID: "evt-h5",
	}))

	err := env.deductions.DeductCredits(context.Background(), creditdomain.DeductRequest{
		UserID: userID, Amount: 45, EventID: "evt-h5",
	})
	assert.ErrorIs(t, err, creditdomain.ErrAmountMismatch)

	// The hold stays pending and untouched.
	assert.Equal(t, int64(70), env.grantBalance(t, grantID))
	assert.Len(t, env.logsByAction(t, userID, creditdomain.ActionHeld), 1)
}

func TestReleaseCredits_RestoresBalances(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(120)

	sub := env.createGrant(t, userID, creditdomain.GrantTypeSubscription, 50)
	topup := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)

	require.NoError(t, env.deductions.HoldCredits(context.Background(), creditdomain.HoldRequest{
		UserID: userID, Amount: 60, EventID: "evt-r1",
	}))
	require.NoError(t, env.deductions.ReleaseCredits(context.Background(), userID, "evt-r1", "canceled"))

	assert.Equal(t, int64(50), env.grantBalance(t, sub))
	assert.Equal(t, int64(100), env.grantBalance(t, topup))

	released := env.logsByAction(t, userID, creditdomain.ActionReleased)
	require.Len(t, released, 2)
	// Sign flips on release so the ledger sums back to zero for the event.
	assert.Equal(t, int64(50), released[0].AmountChange)
	assert.Equal(t, int64(10), released[1].AmountChange)
	assert.Empty(t, env.logsByAction(t, userID, creditdomain.ActionHeld))
}

func TestReleaseCredits_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(121)
	grantID := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)

	require.NoError(t, env.deductions.HoldCredits(context.Background(), creditdomain.HoldRequest{
		UserID: userID, Amount: 20, EventID: "evt-r2",
	}))
	require.NoError(t, env.deductions.ReleaseCredits(context.Background(), userID, "evt-r2", ""))
	require.NoError(t, env.deductions.ReleaseCredits(context.Background(), userID, "evt-r2", ""))

	assert.Equal(t, int64(100), env.grantBalance(t, grantID))
	assert.Len(t, env.logsByAction(t, userID, creditdomain.ActionReleased), 1)
}

func TestReleaseCredits_UnknownEventIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.deductions.ReleaseCredits(context.Background(), snowflake.ID(122), "evt-none", ""))
}

func TestRefundCredits_RestoresAndKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(130)

	sub := env.createGrant(t, userID, creditdomain.GrantTypeSubscription, 50)
	topup := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)

	require.NoError(t, env.deductions.DeductCredits(context.Background(), creditdomain.DeductRequest{
		UserID: userID, Amount: 60, EventID: "evt-f1",
	}))
	require.NoError(t, env.deductions.RefundCredits(context.Background(), creditdomain.RefundRequest{
		UserID: userID, EventID: "evt-f1", Reason: "api error",
	}))

	assert.Equal(t, int64(50), env.grantBalance(t, sub))
	assert.Equal(t, int64(100), env.grantBalance(t, topup))

	// Consumed rows stay; refunded rows are added alongside.
	assert.Len(t, env.logsByAction(t, userID, creditdomain.ActionConsumed), 2)
	refunded := env.logsByAction(t, userID, creditdomain.ActionRefunded)
	require.Len(t, refunded, 2)
	assert.Equal(t, int64(50), refunded[0].AmountChange)
	assert.Equal(t, int64(10), refunded[1].AmountChange)
}

func TestRefundCredits_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(131)
	grantID := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)

	require.NoError(t, env.deductions.DeductCredits(context.Background(), creditdomain.DeductRequest{
		UserID: userID, Amount: 30, EventID: "evt-f2",
	}))
	req := creditdomain.RefundRequest{UserID: userID, EventID: "evt-f2"}
	require.NoError(t, env.deductions.RefundCredits(context.Background(), req))
	require.NoError(t, env.deductions.RefundCredits(context.Background(), req))

	assert.Equal(t, int64(100), env.grantBalance(t, grantID))
	assert.Len(t, env.logsByAction(t, userID, creditdomain.ActionRefunded), 1)
}

func TestRefundCredits_NothingToRefund(t *testing.T) {
	env := newTestEnv(t)

	err := env.deductions.RefundCredits(context.Background(), creditdomain.RefundRequest{
		UserID: 132, EventID: "evt-unknown",
	})
	assert.ErrorIs(t, err, creditdomain.ErrNothingToRefund)
}

func TestRefundCredits_SurvivesDeletedGrant(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(133)
	grantID := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)

	require.NoError(t, env.deductions.DeductCredits(context.Background(), creditdomain.DeductRequest{
		UserID: userID, Amount: 30, EventID: "evt-f3",
	}))
	require.NoError(t, env.db.Exec(`DELETE FROM credit_grants WHERE id = ?`, grantID).Error)

	require.NoError(t, env.deductions.RefundCredits(context.Background(), creditdomain.RefundRequest{
		UserID: userID, EventID: "evt-f3",
	}))

	refunded := env.logsByAction(t, userID, creditdomain.ActionRefunded)
	require.Len(t, refunded, 1)
	assert.Equal(t, int64(30), refunded[0].AmountChange)
	assert.Equal(t, creditdomain.GrantTypeTopup, refunded[0].GrantType)
}

func TestHasEnoughCredits(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(140)
	env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)

	ok, err := env.deductions.HasEnoughCredits(context.Background(), userID, 100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.deductions.HasEnoughCredits(context.Background(), userID, 101)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = env.deductions.HasEnoughCredits(context.Background(), userID, 0)
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)
}

func TestDeductCredits_SettledEventBlocksWaterfallUnderLock(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(160)
	grantID := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)
	ctx := context.Background()

	require.NoError(t, env.deductions.DeductCredits(ctx, creditdomain.DeductRequest{
		UserID: userID, Amount: 30, EventID: "evt-w1",
	}))

	// Enter the waterfall directly, the way a retry does after its pre-lock
	// idempotency checks passed on a snapshot taken before the first
	// transaction committed. The check under the grant locks must refuse to
	// deduct again.
	svc, ok := env.deductions.(*DeductionService)
	require.True(t, ok)
	err := env.db.Transaction(func(tx *gorm.DB) error {
		return svc.applyWaterfall(ctx, tx, userID, 30, "evt-w1", creditdomain.ActionConsumed, "", nil)
	})
	require.NoError(t, err)

	assert.Equal(t, int64(70), env.grantBalance(t, grantID))
	assert.Len(t, env.logsByAction(t, userID, creditdomain.ActionConsumed), 1)
}

func TestHoldCredits_SettledEventBlocksWaterfallUnderLock(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(161)
	grantID := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)
	ctx := context.Background()

	require.NoError(t, env.deductions.HoldCredits(ctx, creditdomain.HoldRequest{
		UserID: userID, Amount: 20, EventID: "evt-w2",
	}))

	svc, ok := env.deductions.(*DeductionService)
	require.True(t, ok)
	err := env.db.Transaction(func(tx *gorm.DB) error {
		return svc.applyWaterfall(ctx, tx, userID, 20, "evt-w2", creditdomain.ActionHeld, "", nil)
	})
	require.NoError(t, err)

	assert.Equal(t, int64(80), env.grantBalance(t, grantID))
	assert.Len(t, env.logsByAction(t, userID, creditdomain.ActionHeld), 1)
}

func TestHeldTransitions_SkipSettledRows(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(162)
	env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)
	ctx := context.Background()

	require.NoError(t, env.deductions.HoldCredits(ctx, creditdomain.HoldRequest{
		UserID: userID, Amount: 40, EventID: "evt-s1",
	}))
	held := env.logsByAction(t, userID, creditdomain.ActionHeld)
	require.Len(t, held, 1)

	// Settle the row out from under a pending transition.
	require.NoError(t, env.db.Exec(
		`UPDATE credit_logs SET action = ? WHERE id = ?`,
		creditdomain.ActionConsumed, held[0].ID,
	).Error)

	affected, err := env.repo.MarkHeldReleased(ctx, env.db, []snowflake.ID{held[0].ID}, "")
	require.NoError(t, err)
	assert.Zero(t, affected)

	affected, err = env.repo.MarkHeldConsumed(ctx, env.db, []snowflake.ID{held[0].ID}, "late confirm")
	require.NoError(t, err)
	assert.Zero(t, affected)

	// The settled row is untouched: same sign, same reason.
	consumed := env.logsByAction(t, userID, creditdomain.ActionConsumed)
	require.Len(t, consumed, 1)
	assert.Equal(t, int64(-40), consumed[0].AmountChange)
	assert.Empty(t, consumed[0].Reason)
}

func TestReleaseCredits_AfterConfirmKeepsCreditsSpent(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(163)
	grantID := env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)
	ctx := context.Background()

	require.NoError(t, env.deductions.HoldCredits(ctx, creditdomain.HoldRequest{
		UserID: userID, Amount: 30, EventID: "evt-s2",
	}))
	require.NoError(t, env.deductions.ConfirmHold(ctx, userID, "evt-s2", ""))
	require.NoError(t, env.deductions.ReleaseCredits(ctx, userID, "evt-s2", ""))

	// Confirmed credits stay spent; the release restores nothing.
	assert.Equal(t, int64(70), env.grantBalance(t, grantID))
	assert.Empty(t, env.logsByAction(t, userID, creditdomain.ActionReleased))
	assert.Len(t, env.logsByAction(t, userID, creditdomain.ActionConsumed), 1)
}

func TestInsertLogs_DuplicateEventGrantActionIsConflict(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(164)
	env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)
	ctx := context.Background()

	require.NoError(t, env.deductions.DeductCredits(ctx, creditdomain.DeductRequest{
		UserID: userID, Amount: 10, EventID: "evt-dup",
	}))
	consumed := env.logsByAction(t, userID, creditdomain.ActionConsumed)
	require.Len(t, consumed, 1)

	dup := consumed[0]
	dup.ID = snowflake.ID(999999)
	err := env.repo.InsertLogs(ctx, env.db, []creditdomain.LogEntry{dup})
	require.Error(t, err)
	assert.True(t, pkgdb.IsDuplicateKeyErr(err))
}

func TestLedger_ConservationAcrossLifecycle(t *testing.T) {
	env := newTestEnv(t)
	userID := snowflake.ID(150)
	now := env.clk.Now()

	env.createGrant(t, userID, creditdomain.GrantTypeSubscription, 50)
	env.createGrant(t, userID, creditdomain.GrantTypeTopup, 100)
	env.createGrant(t, userID, creditdomain.GrantTypePromo, 10,
		withExpiry(now.Add(time.Hour)))

	ctx := context.Background()
	require.NoError(t, env.deductions.DeductCredits(ctx, creditdomain.DeductRequest{
		UserID: userID, Amount: 60, EventID: "evt-c1",
	}))
	require.NoError(t, env.deductions.HoldCredits(ctx, creditdomain.HoldRequest{
		UserID: userID, Amount: 20, EventID: "evt-c2",
	}))
	require.NoError(t, env.deductions.ReleaseCredits(ctx, userID, "evt-c2", ""))
	require.NoError(t, env.deductions.RefundCredits(ctx, creditdomain.RefundRequest{
		UserID: userID, EventID: "evt-c1",
	}))
	env.clk.Advance(2 * time.Hour)
	_, err := env.grants.ProcessExpiredGrants(ctx, userID)
	require.NoError(t, err)

	// Every balance movement has a matching ledger row. Released rows are
	// excluded: a hold that came back is net zero, and the flip rewrote the
	// held row in place.
	var logSum int64
	require.NoError(t, env.db.Raw(
		`SELECT COALESCE(SUM(amount_change), 0) FROM credit_logs WHERE user_id = ? AND action != ?`,
		userID, creditdomain.ActionReleased,
	).Scan(&logSum).Error)

	var balanceSum int64
	require.NoError(t, env.db.Raw(
		`SELECT COALESCE(SUM(balance), 0) FROM credit_grants WHERE user_id = ?`,
		userID,
	).Scan(&balanceSum).Error)

	assert.Equal(t, balanceSum, logSum)
}
