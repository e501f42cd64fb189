package main

import (
	"github.com/bwmarrin/snowflake"
	billingrepository "github.com/meterkit/creditledger/internal/billing/repository"
	"github.com/meterkit/creditledger/internal/clock"
	"github.com/meterkit/creditledger/internal/config"
	"github.com/meterkit/creditledger/internal/credit"
	"github.com/meterkit/creditledger/internal/joblock"
	"github.com/meterkit/creditledger/internal/logger"
	"github.com/meterkit/creditledger/internal/migration"
	"github.com/meterkit/creditledger/internal/plan"
	"github.com/meterkit/creditledger/internal/scheduler"
	"github.com/meterkit/creditledger/internal/server"
	userrepository "github.com/meterkit/creditledger/internal/user/repository"
	"github.com/meterkit/creditledger/pkg/db"
	"github.com/meterkit/creditledger/pkg/telemetry"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		telemetry.Module,
		plan.Module,
		joblock.Module,

		credit.Module,
		fx.Provide(userrepository.Provide),
		fx.Provide(billingrepository.Provide),

		migration.Module,
		scheduler.Module,
		server.Module,
	)

	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
