package plan

import "go.uber.org/fx"

// Module provides the hot-reloading plan catalog.
var Module = fx.Module("plan",
	fx.Provide(NewCatalog),
)
