package credit

import (
	"github.com/meterkit/creditledger/internal/credit/repository"
	"github.com/meterkit/creditledger/internal/credit/service"
	"go.uber.org/fx"
)

// Module wires the credit ledger: repository plus the grant, deduction and
// balance services.
var Module = fx.Module("credit",
	fx.Provide(
		repository.Provide,
		service.NewGrantService,
		service.NewDeductionService,
		service.NewBalanceService,
	),
)
