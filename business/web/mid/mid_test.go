package mid_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/ardanlabs/pbhbuilder/business/web/errs"
	"github.com/ardanlabs/pbhbuilder/business/web/mid"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/metrics"
	"github.com/ardanlabs/pbhbuilder/foundation/logger"
	"github.com/ardanlabs/pbhbuilder/foundation/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	log, err := logger.New("TEST")
	require.NoError(t, err)
	t.Cleanup(func() { log.Sync() })

	reg := prometheus.NewRegistry()

	app := web.NewApp(
		make(chan os.Signal, 1),
		mid.Logger(log),
		mid.Metrics(metrics.New(reg)),
		mid.Errors(log),
		mid.Cors("*"),
		mid.Panics(),
	)

	app.Handle(http.MethodGet, "v1", "/trusted/:id", func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		return errs.NewTrustedReason(errors.New("quota spent"), http.StatusTooManyRequests, "quota_exceeded")
	})
	app.Handle(http.MethodGet, "v1", "/fields", func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		return errs.FieldErrors{{Field: "tx", Error: "tx is a required field"}}
	})
	app.Handle(http.MethodGet, "v1", "/panic", func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		panic("boom")
	})

	call := func(path string) (int, errs.Response, http.Header) {
		w := httptest.NewRecorder()
		app.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

		var er errs.Response
		json.NewDecoder(w.Body).Decode(&er)
		return w.Code, er, w.Header()
	}

	code, er, hdr := call("/v1/trusted/1")
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Equal(t, "quota_exceeded", er.Reason)
	require.Equal(t, "*", hdr.Get("Access-Control-Allow-Origin"))

	code, er, _ = call("/v1/fields")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "tx is a required field", er.Fields["tx"])

	code, er, _ = call("/v1/panic")
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, http.StatusText(http.StatusInternalServerError), er.Error)

	call("/v1/trusted/2")
	n, err := testutil.GatherAndCount(reg, "pbh_api_requests_total")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
