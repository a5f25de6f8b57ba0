package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/ardanlabs/pbhbuilder/app/services/builder/handlers"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain/ethrpc"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/identity"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/metrics"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier/store/leveldb"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier/store/memory"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/state"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/worker"
	"github.com/ardanlabs/pbhbuilder/foundation/events"
	"github.com/ardanlabs/pbhbuilder/foundation/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("BUILDER")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	// This is all the configuration for the application and the default values.
	// Configuration values will be passed through the application as individual
	// values.
	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:30s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
			PrivateHost     string        `conf:"default:0.0.0.0:9080"`
			CorsOrigin      string        `conf:"default:*"`
		}
		Chain struct {
			URL          string        `conf:"default:http://0.0.0.0:8545"`
			ChainID      int64         `conf:"default:480"`
			PollInterval time.Duration `conf:"default:1s"`
		}
		Capacity struct {
			Percent         uint8  `conf:"default:70"`
			QuotaPerWindow  uint16 `conf:"default:30"`
			EntryPoint      string
			WorldID         string `conf:"default:0x047eE5313F98E26Cc8177fA38877cB36292D2364"`
			Aggregator      string
			ClearNullifiers bool     `conf:"default:false"`
			AppIDs          []uint16 `conf:"default:0"`
			VerifyingKey    string   `conf:"default:zbuilder/verifying.key"`
		}
		Pool struct {
			Strategy    string        `conf:"default:tip"`
			MaxTxs      int           `conf:"default:10000"`
			Lifetime    time.Duration `conf:"default:3h"`
			RootWindow  time.Duration `conf:"default:168h"`
			StaleMargin time.Duration `conf:"default:1h"`
			AllowStale  bool          `conf:"default:false"`
		}
		Nullifier struct {
			DBPath string `conf:"default:zbuilder/nullifiers"`
			Memory bool   `conf:"default:false"`
		}
		Worker struct {
			Interval time.Duration `conf:"default:1s"`
			Deadline time.Duration `conf:"default:12s"`
			MaxJobs  int           `conf:"default:3"`
			GasLimit uint64        `conf:"default:0"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "priority blockspace for humans block builder",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags.
	const prefix = "PBH"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	fmt.Println(`  ____  ____  _   _   ____  _   _ ___ _     ____  _____ ____  `)
	fmt.Println(` |  _ \| __ )| | | | | __ )| | | |_ _| |   |  _ \| ____|  _ \ `)
	fmt.Println(` | |_) |  _ \| |_| | |  _ \| | | || || |   | | | |  _| | |_) |`)
	fmt.Println(` |  __/| |_) |  _  | | |_) | |_| || || |___| |_| | |___|  _ < `)
	fmt.Println(` |_|   |____/|_| |_| |____/ \___/|___|_____|____/|_____|_| \_\`)
	fmt.Print("\n")

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Events Support

	// The builder packages accept a function of this signature to allow the
	// application to log. These raw messages are also sent to any websocket
	// client that is connected into the system through the events package.
	evts := events.New()
	ev := logger.NewEventHandler(log, "00000000-0000-0000-0000-000000000000", func(s string) {
		evts.Send(events.Parse(s, time.Now().UTC()))
	})

	// =========================================================================
	// Chain Support

	capacity := state.CapacityConfig{
		CapacityPercent: cfg.Capacity.Percent,
		Quota:           cfg.Capacity.QuotaPerWindow,
		EntryPoint:      parseAddress(cfg.Capacity.EntryPoint),
		WorldID:         parseAddress(cfg.Capacity.WorldID),
		Aggregator:      parseAddress(cfg.Capacity.Aggregator),
		ClearNullifiers: cfg.Capacity.ClearNullifiers,
	}
	if err := capacity.Validate(); err != nil {
		return fmt.Errorf("capacity config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer cancel()

	// The client follows the canonical chain, simulates transactions and
	// reads the WorldID root over the execution client's JSON-RPC API.
	client, err := ethrpc.Dial(ctx, ethrpc.Config{
		URL:          cfg.Chain.URL,
		WorldID:      capacity.WorldID,
		PollInterval: cfg.Chain.PollInterval,
		EvHandler:    ethrpc.EventHandler(ev),
	})
	if err != nil {
		return fmt.Errorf("connecting to execution client: %w", err)
	}
	defer client.Close()

	// =========================================================================
	// Proof Verification Support

	f, err := os.Open(cfg.Capacity.VerifyingKey)
	if err != nil {
		return fmt.Errorf("opening verifying key: %w", err)
	}
	backend, err := identity.LoadGroth16(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("loading verifying key: %w", err)
	}

	// =========================================================================
	// Nullifier Storage Support

	var storage nullifier.Storage
	if cfg.Nullifier.Memory {
		storage, err = memory.New()
	} else {
		storage, err = leveldb.New(cfg.Nullifier.DBPath)
	}
	if err != nil {
		return fmt.Errorf("opening nullifier storage: %w", err)
	}

	// =========================================================================
	// Builder Support

	// The metrics are registered with the default registry so the debug
	// service exposes them next to the runtime collectors.
	mtr := metrics.New(prometheus.DefaultRegisterer)

	// The state value represents the builder and manages the pool, the
	// nullifier registry and the build jobs.
	st, err := state.New(state.Config{
		ChainID:     big.NewInt(cfg.Chain.ChainID),
		Capacity:    capacity,
		AppIDs:      cfg.Capacity.AppIDs,
		Strategy:    cfg.Pool.Strategy,
		MaxTxs:      cfg.Pool.MaxTxs,
		Lifetime:    cfg.Pool.Lifetime,
		RootWindow:  cfg.Pool.RootWindow,
		StaleMargin: cfg.Pool.StaleMargin,
		AllowStale:  cfg.Pool.AllowStale,
		Backend:     backend,
		Storage:     storage,
		Executor:    client,
		Provider:    client,
		Metrics:     mtr,
		EvHandler:   ev,
	})
	if err != nil {
		storage.Close()
		return err
	}
	defer st.Shutdown()

	// The worker package implements the different workflows such as following
	// the chain, reading roots and building payloads. The worker will
	// register itself with the state.
	wrk := worker.Run(st, worker.Config{
		Interval:  cfg.Worker.Interval,
		Deadline:  cfg.Worker.Deadline,
		MaxJobs:   cfg.Worker.MaxJobs,
		GasLimit:  cfg.Worker.GasLimit,
		Provider:  client,
		EvHandler: ev,
	})

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug v1 router started", "host", cfg.Web.DebugHost)

	// The Debug function returns a mux to listen and serve on for all the debug
	// related endpoints. This includes the standard library endpoints.

	// Construct the mux for the debug calls.
	debugMux := handlers.DebugMux(build, log, st, prometheus.DefaultGatherer)

	// Start the service listening for debug requests.
	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug v1 router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	// Construct the mux for the public API calls.
	publicMux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		Evts:     evts,
		Metrics:  mtr,
		Origin:   cfg.Web.CorsOrigin,
	})

	// Construct a server to service the requests against the mux.
	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      publicMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Start Private Service

	log.Infow("startup", "status", "initializing V1 private API support")

	// Construct the mux for the private API calls.
	privateMux := handlers.PrivateMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		Worker:   wrk,
		Metrics:  mtr,
	})

	// Construct a server to service the requests against the mux.
	private := http.Server{
		Addr:         cfg.Web.PrivateHost,
		Handler:      privateMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "private api router started", "host", private.Addr)
		serverErrors <- private.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		// Give outstanding requests a deadline for completion.
		ctx, cancelPri := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPri()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown private API started")
		if err := private.Shutdown(ctx); err != nil {
			private.Close()
			return fmt.Errorf("could not stop private service gracefully: %w", err)
		}

		// Give outstanding requests a deadline for completion.
		ctx, cancelPub := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPub()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown public API started")
		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public service gracefully: %w", err)
		}
	}

	return nil
}

// parseAddress returns the zero address for an empty value.
func parseAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}
