// relayd is the offline outbox relay: it polls the event store for outbox
// rows whose broker emission is still owed and re-publishes them, so a
// producer that lost the broker mid-publish eventually gets its events on
// the wire. It also serves /healthz and /metrics.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	_ "github.com/lib/pq"
	zlog "github.com/rs/zerolog/log"

	"github.com/boxbus/boxbus/config"
	"github.com/boxbus/boxbus/logger"
	"github.com/boxbus/boxbus/metrics"
	"github.com/boxbus/boxbus/rabbitmq"
	"github.com/boxbus/boxbus/store"
)

func main() {
	logger.Init()

	cfg := config.Load()
	if err := cfg.Validate(config.Broker, config.DB); err != nil {
		zlog.Fatal().Err(err).Msg("config invalid")
	}

	st, err := store.Shared(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("event store open failed")
	}
	defer store.ResetShared()

	{
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := st.DB().PingContext(ctx); err != nil {
			zlog.Fatal().Err(err).Msg("event store ping failed")
		}
	}

	sup := rabbitmq.NewSupervisor(cfg)
	defer sup.Reset()
	pub := rabbitmq.NewPublisher(cfg, sup, st)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st.StartOutboxRelay(ctx, pub)

	srv := &http.Server{
		Addr:         getAddr(),
		Handler:      newRouter(st),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zlog.Info().Str("addr", srv.Addr).Msg("relayd listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		zlog.Fatal().Err(err).Msg("server crashed")
	}
	zlog.Info().Msg("relayd stopped")
}

func getAddr() string {
	if v := os.Getenv("RELAY_HTTP_ADDR"); v != "" {
		return v
	}
	return ":8090"
}

func newRouter(st *store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(100, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := st.DB().PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", metrics.Handler())
	return r
}
