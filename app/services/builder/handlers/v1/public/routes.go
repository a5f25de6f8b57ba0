package public

import (
	"net/http"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/state"
	"github.com/ardanlabs/pbhbuilder/foundation/events"
	"github.com/ardanlabs/pbhbuilder/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log   *zap.SugaredLogger
	State *state.State
	Evts  *events.Events
}

// Routes binds all the public routes.
func Routes(app *web.App, cfg Config) {
	pbl := Handlers{
		Log:   cfg.Log,
		State: cfg.State,
		WS:    websocket.Upgrader{},
		Evts:  cfg.Evts,
	}

	const version = "v1"

	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodPost, version, "/tx/submit", pbl.SubmitTransaction)
	app.Handle(http.MethodGet, version, "/tx/:hash", pbl.Transaction)
	app.Handle(http.MethodGet, version, "/pool/list", pbl.Pool)
	app.Handle(http.MethodGet, version, "/capacity", pbl.Capacity)
	app.Handle(http.MethodGet, version, "/nullifier/usage/:extnull/:hash", pbl.Usage)
	app.Handle(http.MethodGet, version, "/nullifier/stats", pbl.Registry)
	app.Handle(http.MethodGet, version, "/roots/list", pbl.Roots)
}
