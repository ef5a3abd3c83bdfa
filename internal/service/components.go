// File: internal/service/components.go
package service

import (
	"github.com/xkilldash9x/moltwatch/api/schemas"
	"github.com/xkilldash9x/moltwatch/internal/ingest"
	"github.com/xkilldash9x/moltwatch/internal/moltbook"
	"github.com/xkilldash9x/moltwatch/internal/observability"
	"github.com/xkilldash9x/moltwatch/internal/orchestrator"
)

// Components holds everything a collection needs. Commands build it through a
// ComponentFactory and release it with Shutdown.
type Components struct {
	Store     schemas.Store
	Client    *moltbook.Client
	Pipeline  *ingest.Pipeline
	Collector orchestrator.Runner
}

// Shutdown releases the store. The remote client holds no resources beyond idle
// connections, which the transport reclaims on its own.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	if c.Store != nil {
		c.Store.Close()
		logger.Debug("Store closed.")
	}
	logger.Debug("Components shut down.")
}
