package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/matrix-org/syncbridge"
	"github.com/matrix-org/syncbridge/internal"
	"github.com/matrix-org/syncbridge/session"
	"github.com/matrix-org/syncbridge/sync2"
)

var GitCommit string

const version = "0.1.0"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	EnvServer       = "SYNCBRIDGE_SERVER"
	EnvStorage      = "SYNCBRIDGE_STORAGE"
	EnvStore        = "SYNCBRIDGE_STORE"
	EnvSecret       = "SYNCBRIDGE_SECRET"
	EnvProxy        = "SYNCBRIDGE_PROXY"
	EnvCAFile       = "SYNCBRIDGE_CA_FILE"
	EnvBindAddr     = "SYNCBRIDGE_BINDADDR"
	EnvPrometheus   = "SYNCBRIDGE_PROM"
	EnvSentryDsn    = "SYNCBRIDGE_SENTRY_DSN"
	EnvOTLP         = "SYNCBRIDGE_OTLP_URL"
	EnvOTLPUsername = "SYNCBRIDGE_OTLP_USERNAME"
	EnvOTLPPassword = "SYNCBRIDGE_OTLP_PASSWORD"
	EnvDebug        = "SYNCBRIDGE_DEBUG"
)

var helpMsg = fmt.Sprintf(`
Environment var
%s    Required. The homeserver to sync with e.g https://matrix.org or a unix socket path e.g /var/run/synapse.sock
%s   Required. Directory for session data e.g ./data
%s     Default: file. Where credentials are kept: file, bolt://path/to/db or postgres://...
%s    Required for postgres. Secret used to encrypt credentials at rest.
%s     Default: unset. HTTP(S) proxy for homeserver requests.
%s   Default: unset. PEM bundle of extra trusted CAs for the homeserver.
%s  Default: 0.0.0.0:8009. The interface and port to listen on.
%s      Default: unset. The bind addr for Prometheus metrics, which will be accessible at /metrics at this address.
%s Default: unset. The Sentry DSN to report events to e.g https://syncbridge@errors.matrix.org/1234
%s    Default: unset. The OTLP HTTP URL to send spans to e.g https://localhost:4318
%s Default: unset. The OTLP username for Basic auth. If unset, does not send an Authorization header.
%s Default: unset. The OTLP password for Basic auth. If unset, does not send an Authorization header.
%s     Default: unset. Set to 1 to panic on failed assertions and log at trace level.
`, EnvServer, EnvStorage, EnvStore, EnvSecret, EnvProxy, EnvCAFile, EnvBindAddr, EnvPrometheus, EnvSentryDsn,
	EnvOTLP, EnvOTLPUsername, EnvOTLPPassword, EnvDebug)

var (
	flagServer   = flag.String("server", "", "Overrides "+EnvServer)
	flagStorage  = flag.String("storage", "", "Overrides "+EnvStorage)
	flagBindAddr = flag.String("bind", "", "Overrides "+EnvBindAddr)
)

func defaulting(in, dft string) string {
	if in == "" {
		return dft
	}
	return in
}

func main() {
	fmt.Printf("syncbridge %s (%s)\n", version, GitCommit)
	sync2.Version = fmt.Sprintf("%s-%s", version, GitCommit)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), helpMsg)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := map[string]string{
		EnvServer:       defaulting(*flagServer, os.Getenv(EnvServer)),
		EnvStorage:      defaulting(*flagStorage, os.Getenv(EnvStorage)),
		EnvStore:        os.Getenv(EnvStore),
		EnvSecret:       os.Getenv(EnvSecret),
		EnvProxy:        os.Getenv(EnvProxy),
		EnvCAFile:       os.Getenv(EnvCAFile),
		EnvBindAddr:     defaulting(*flagBindAddr, defaulting(os.Getenv(EnvBindAddr), "0.0.0.0:8009")),
		EnvPrometheus:   os.Getenv(EnvPrometheus),
		EnvSentryDsn:    os.Getenv(EnvSentryDsn),
		EnvOTLP:         os.Getenv(EnvOTLP),
		EnvOTLPUsername: os.Getenv(EnvOTLPUsername),
		EnvOTLPPassword: os.Getenv(EnvOTLPPassword),
		EnvDebug:        os.Getenv(EnvDebug),
	}
	requiredEnvVars := []string{EnvServer, EnvStorage}
	for _, requiredEnvVar := range requiredEnvVars {
		if args[requiredEnvVar] == "" {
			flag.Usage()
			os.Exit(1)
		}
	}
	if strings.HasPrefix(args[EnvStore], "postgres") && args[EnvSecret] == "" {
		fmt.Fprintf(os.Stderr, "%s is required when %s is postgres\n", EnvSecret, EnvStore)
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if args[EnvDebug] == "1" {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}

	if args[EnvOTLP] != "" {
		fmt.Printf("Configuring OTLP to %s\n", args[EnvOTLP])
		if err := internal.ConfigureOTLP(args[EnvOTLP], args[EnvOTLPUsername], args[EnvOTLPPassword], version); err != nil {
			panic(err)
		}
	}
	if args[EnvSentryDsn] != "" {
		fmt.Printf("Configuring Sentry reporter...\n")
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     args[EnvSentryDsn],
			Release: version,
			Dist:    GitCommit,
		})
		if err != nil {
			panic(err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	var caBundle []byte
	if args[EnvCAFile] != "" {
		var err error
		caBundle, err = os.ReadFile(args[EnvCAFile])
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read %s: %s\n", EnvCAFile, err)
			os.Exit(1)
		}
	}

	app := syncbridge.New(syncbridge.Options{
		Engine:           sync2.NewEngine(),
		EnablePrometheus: args[EnvPrometheus] != "",
	})
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err := app.Configure(ctx, session.Config{
		HomeserverURL:       args[EnvServer],
		StoragePath:         args[EnvStorage],
		Proxy:               args[EnvProxy],
		TrustedCertificates: caBundle,
		StoreDSN:            args[EnvStore],
		StoreSecret:         args[EnvSecret],
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure session")
	}
	// a restored session starts syncing straight away
	if authed, _ := app.IsAuthenticated(ctx); authed {
		if _, err = app.StartSync(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to start sync for restored session")
		}
	}

	r := mux.NewRouter()
	syncbridge.Routes(r, app)
	var h http.Handler = r
	if args[EnvSentryDsn] != "" {
		h = sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(h)
	}
	srv := &http.Server{
		Addr:    args[EnvBindAddr],
		Handler: syncbridge.WithAccessLog(h),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Msgf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	var promSrv *http.Server
	if args[EnvPrometheus] != "" {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.Handler())
		promSrv = &http.Server{Addr: args[EnvPrometheus], Handler: promMux}
		g.Go(func() error {
			logger.Info().Msgf("serving metrics on %s/metrics", promSrv.Addr)
			if err := promSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// hijacked websocket connections are not waited for; closing the app ends their streams
		app.Close()
		if promSrv != nil {
			promSrv.Shutdown(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}
