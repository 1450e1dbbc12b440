// Package main starts an orchcmd server.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/orchcmd/orchcmd/engine"
	enginehttp "github.com/orchcmd/orchcmd/engine/http"
	"github.com/orchcmd/orchcmd/logkeys"
	"github.com/orchcmd/orchcmd/notify"
	"github.com/orchcmd/orchcmd/router"
	"github.com/orchcmd/orchcmd/template"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log/stdlogfmt"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "orchcmd"
	apiRealm    = "orchcmd"
)

func main() {
	var (
		flDebug     = flag.Bool("debug", false, "log debug messages")
		flListen    = flag.String("listen", ":9005", "HTTP listen address")
		flVersion   = flag.Bool("version", false, "print version and exit")
		flAPIKey    = flag.String("api", "", "API key for API endpoints")
		flStorage   = flag.String("storage", "file", "name of storage backend")
		flDSN       = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flAgents    = flag.String("agents", "", "path to agents YAML file")
		flTemplates = flag.String("templates", "", "path to workflow template directory")
		flConc      = flag.Uint("concurrency", engine.DefaultConcurrency, "default per-instance step concurrency")
		flStTOSec   = flag.Uint("step-timeout", uint(engine.DefaultStepTimeout/time.Second), "default step timeout in seconds")
		flNoResume  = flag.Bool("no-resume", false, "do not resume interrupted workflows at startup")
	)
	envflag.Parse("ORCHCMD_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	if *flAgents == "" {
		logger.Info(logkeys.Error, "agents file required")
		os.Exit(1)
	}

	// configure storage
	store, err := parseStorage(*flStorage, *flDSN)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}

	// configure routing from the agent inventory
	rtr, err := router.NewStaticFromFile(*flAgents)
	if err != nil {
		logger.Info(logkeys.Message, "loading agents", logkeys.Error, err)
		os.Exit(1)
	}

	// configure the template registry
	reg, err := template.NewBuiltinRegistry()
	if err != nil {
		logger.Info(logkeys.Message, "registering builtin templates", logkeys.Error, err)
		os.Exit(1)
	}
	if *flTemplates != "" {
		n, err := reg.LoadDirectory(*flTemplates)
		if err != nil {
			logger.Info(logkeys.Message, "loading templates", logkeys.Error, err)
			os.Exit(1)
		}
		logger.Debug(
			logkeys.Message, "loaded templates",
			logkeys.GenericCount, n,
		)
	}

	// configure the workflow engine
	eOpts := []engine.Option{
		engine.WithLogger(logger.With("service", "engine")),
		engine.WithNotifier(notify.NewLogNotifier(logger.With("service", "notify"))),
	}
	if *flConc > 0 {
		eOpts = append(eOpts, engine.WithDefaultConcurrency(int(*flConc)))
	}
	if *flStTOSec > 0 {
		eOpts = append(eOpts, engine.WithDefaultTimeout(time.Second*time.Duration(*flStTOSec)))
	}
	e := engine.New(store, rtr, newHTTPInvoker(), eOpts...)

	// pick up workflows interrupted by the last shutdown
	if !*flNoResume {
		if err = e.ResumeAll(context.Background()); err != nil {
			logger.Info(logkeys.Message, "resuming instances", logkeys.Error, err)
			os.Exit(1)
		}
	}

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))

	if *flAPIKey != "" {
		mux.Group(func(mux *flow.Mux) {
			mux.Use(func(h http.Handler) http.Handler {
				return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, *flAPIKey, apiRealm)
			})

			enginehttp.HandleAPIv1("/v1", mux, logger, e, reg)
		})
	}

	// seed for newTraceID
	rand.Seed(time.Now().UnixNano())

	logger.Info(logkeys.Message, "starting server", "listen", *flListen)
	err = http.ListenAndServe(*flListen, trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID))
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

// newTraceID generates a new HTTP trace ID for context logging.
// Currently this just makes a random string. This would be better
// served by e.g. https://github.com/oklog/ulid or something like
// https://opentelemetry.io/ someday.
func newTraceID(_ *http.Request) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
