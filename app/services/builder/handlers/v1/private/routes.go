package private

import (
	"net/http"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/state"
	"github.com/ardanlabs/pbhbuilder/foundation/web"
	"go.uber.org/zap"
)

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log    *zap.SugaredLogger
	State  *state.State
	Worker BestPayload
}

// Routes binds all the private routes.
func Routes(app *web.App, cfg Config) {
	prv := Handlers{
		Log:    cfg.Log,
		State:  cfg.State,
		Worker: cfg.Worker,
	}

	const version = "v1"

	app.Handle(http.MethodGet, version, "/node/status", prv.Status)
	app.Handle(http.MethodPost, version, "/node/payload/build", prv.BuildPayload)
	app.Handle(http.MethodGet, version, "/node/payload/:id", prv.QueryPayload)
	app.Handle(http.MethodPost, version, "/node/payload/:id/commit", prv.CommitPayload)
	app.Handle(http.MethodPost, version, "/node/payload/:id/abort", prv.AbortPayload)
	app.Handle(http.MethodPost, version, "/node/roots/refresh", prv.RefreshRoots)
	app.Handle(http.MethodPost, version, "/node/tx/:hash/evict", prv.EvictTransaction)
}
