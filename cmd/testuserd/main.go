// Command testuserd runs the account lifecycle loops: it completes account
// creation from inbound mail notifications, reclaims expired accounts and
// cancels them at the IdP.
//
// Configuration comes from the environment and an optional dotenv file.
// With -dev it runs against an in-process Redis and a fake IdP registered as
// the "local" environment, provisions one account and keeps running.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/testuser"
	"github.com/MrEthical07/testuser/idp"
	"github.com/MrEthical07/testuser/idp/idptest"
	"github.com/MrEthical07/testuser/metrics/export/prometheus"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		envFile     = flag.String("env-file", ".env", "dotenv file to load before reading the environment")
		dev         = flag.Bool("dev", false, "run against miniredis and an in-process fake IdP")
		metricsAddr = flag.String("metrics-addr", os.Getenv("PTU_METRICS_ADDR"), "serve /metrics and /healthz on this address")
		logLevel    = flag.String("log-level", "info", "logrus level")
		logJSON     = flag.Bool("log-json", false, "emit JSON log lines")
		eventsOut   = flag.Bool("events-stdout", false, "write lifecycle events to stdout as JSON lines")
	)
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}
	if *logJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	cfg, err := testuser.LoadConfigFromEnv(*envFile)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		rdb     redis.UniversalClient
		fakeIdP *idptest.Server
	)
	if *dev {
		mr, err := miniredis.Run()
		if err != nil {
			log.WithError(err).Fatal("start miniredis")
		}
		defer mr.Close()
		cfg.Redis.Addr = mr.Addr()
		fakeIdP = idptest.NewServer(idp.EnvLocal)
		defer fakeIdP.Close()
		log.WithFields(logrus.Fields{"redis": mr.Addr(), "idp": fakeIdP.URL}).Info("dev mode")
	}
	rdb = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.Redis.Addr}})
	defer func() { _ = rdb.Close() }()

	b := testuser.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithLogger(log)
	if fakeIdP != nil {
		b = b.WithEnvironment(fakeIdP.Environment())
	}
	if *eventsOut {
		b = b.WithEventSink(testuser.NewJSONWriterSink(os.Stdout))
	}
	engine, err := b.Build()
	if err != nil {
		log.WithError(err).Fatal("build engine")
	}
	defer engine.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = engine.Ping(pingCtx)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("redis unreachable")
	}

	if *metricsAddr != "" {
		srv := metricsServer(*metricsAddr, engine)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if fakeIdP != nil {
		fakeIdP.OnStage(func(email, token string) {
			if err := engine.EnqueueNotification(context.Background(), email, token); err != nil {
				log.WithError(err).Warn("enqueue dev notification")
			}
		})
		go provisionDemo(ctx, engine, log)
	}

	log.Info("lifecycle loops running")
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("engine stopped")
	}
	log.Info("shutdown complete")
}

func metricsServer(addr string, engine *testuser.Engine) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prometheus.NewPrometheusExporter(engine).Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// provisionDemo creates one verified account once the loops are up.
func provisionDemo(ctx context.Context, engine *testuser.Engine, log logrus.FieldLogger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(100 * time.Millisecond):
	}

	acct, err := engine.ProvisionVerified(ctx, idp.EnvLocal)
	if err != nil {
		log.WithError(err).Warn("dev provisioning failed")
		return
	}
	log.WithFields(logrus.Fields{
		"email":   acct.Email,
		"pass":    acct.Pass,
		"expires": acct.Expires.Format(time.RFC3339),
	}).Info("dev account ready")
}
