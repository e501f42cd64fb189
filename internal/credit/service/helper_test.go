package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterkit/creditledger/internal/clock"
	creditdomain "github.com/meterkit/creditledger/internal/credit/domain"
	"github.com/meterkit/creditledger/internal/credit/repository"
	"github.com/meterkit/creditledger/internal/testdb"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db         *gorm.DB
	clk        *clock.FakeClock
	repo       creditdomain.Repository
	grants     creditdomain.Grants
	deductions creditdomain.Deductions
	balances   creditdomain.Balances
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testdb.Open(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	repo := repository.Provide()
	log := zap.NewNop()

	return &testEnv{
		db:   db,
		clk:  clk,
		repo: repo,
		grants: NewGrantService(GrantParams{
			DB:    db,
			Log:   log,
			GenID: node,
			Repo:  repo,
			Clock: clk,
		}),
		deductions: NewDeductionService(DeductionParams{
			DB:    db,
			Log:   log,
			GenID: node,
			Repo:  repo,
			Clock: clk,
		}),
		balances: NewBalanceService(BalanceParams{
			DB:    db,
			Log:   log,
			Repo:  repo,
			Clock: clk,
		}),
	}
}

func (e *testEnv) createGrant(t *testing.T, userID snowflake.ID, grantType creditdomain.GrantType, amount int64, opts ...func(*creditdomain.CreateGrantRequest)) snowflake.ID {
	t.Helper()

	req := creditdomain.CreateGrantRequest{
		UserID: userID,
		Type:   grantType,
		Amount: amount,
	}
	for _, opt := range opts {
		opt(&req)
	}
	id, err := e.grants.CreateGrant(context.Background(), req)
	require.NoError(t, err)
	return id
}

func withExpiry(at time.Time) func(*creditdomain.CreateGrantRequest) {
	return func(req *creditdomain.CreateGrantRequest) {
		req.ExpiresAt = &at
	}
}

func withSourceRef(ref string) func(*creditdomain.CreateGrantRequest) {
	return func(req *creditdomain.CreateGrantRequest) {
		req.SourceRef = &ref
	}
}

func (e *testEnv) grantBalance(t *testing.T, grantID snowflake.ID) int64 {
	t.Helper()

	grant, err := e.repo.FindGrantByID(context.Background(), e.db, grantID)
	require.NoError(t, err)
	require.NotNil(t, grant)
	return grant.Balance
}

func (e *testEnv) logsByAction(t *testing.T, userID snowflake.ID, action creditdomain.LogAction) []creditdomain.LogEntry {
	t.Helper()

	var entries []creditdomain.LogEntry
	err := e.db.Where("user_id = ? AND action = ?", userID, action).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	require.NoError(t, err)
	return entries
}
