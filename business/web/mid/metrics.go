package mid

import (
	"context"
	"net/http"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/metrics"
	"github.com/ardanlabs/pbhbuilder/foundation/web"
	"github.com/dimfeld/httptreemux/v5"
)

// Metrics records the request count and latency of every route. Routes are
// labelled by their pattern so path parameters don't explode cardinality.
func Metrics(m *metrics.Metrics) web.Middleware {

	// This is the actual middleware function to be executed.
	mw := func(handler web.Handler) web.Handler {

		// Create the handler that will be attached in the middleware chain.
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			err := handler(ctx, w, r)

			v, verr := web.GetValues(ctx)
			if verr != nil {
				return err
			}

			path := r.URL.Path
			if data := httptreemux.ContextData(r.Context()); data != nil {
				path = data.Route()
			}

			m.Request(r.Method, path, v.StatusCode, time.Since(v.Now))

			return err
		}

		return h
	}

	return mw
}
