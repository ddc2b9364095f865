// cmd/ledger-worker/main.go
package main

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"tokenvote/internal/pkg/bootstrap"
	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/pkg/mq"
	"tokenvote/internal/pkg/tracing"
	"tokenvote/internal/service/ledger"
	"tokenvote/internal/service/ledger/interfaces"
)

const serviceName = "ledger-worker"

type consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

// main 回放奖励回退队列和补偿队列，失败的消息先重试再进入死信队列。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()
	logger.Setup(serviceName, cfg.Log)

	tp, err := tracing.InitTracerProvider(serviceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	rt, err := ledger.NewRuntime(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize ledger runtime")
	}

	k := cfg.Infra.Kafka
	failureHandler := mq.NewFailureHandler(rt.NewRetryWriter(), k.MaxRetries)
	consumers := []consumer{
		interfaces.NewGrantConsumerAdapter(rt.NewReader(k.RewardGrantTopic), rt.Ledger.Rewards, failureHandler),
		interfaces.NewCompensationConsumerAdapter(rt.NewReader(k.CompensationTopic), rt.Ledger.Compensations, failureHandler),
		interfaces.NewDltConsumerAdapter(rt.NewReader(k.RewardGrantTopic + mq.DLTSuffix)),
		interfaces.NewDltConsumerAdapter(rt.NewReader(k.CompensationTopic + mq.DLTSuffix)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		if err := c.Start(gctx); err != nil {
			zlog.Fatal().Err(err).Msg("failed to start consumer")
		}
	}
	g.Go(func() error {
		zlog.Info().Int("port", cfg.Service.Port).Msgf("%s health and metrics listening", serviceName)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Msgf("Shutting down %s...", serviceName)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, c := range consumers {
			c.Stop(shutdownCtx)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			zlog.Error().Err(err).Msg("Error shutting down http server")
		}
		rt.Close(shutdownCtx)
		return tp.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zlog.Error().Err(err).Msgf("%s exited with error", serviceName)
	}
	zlog.Info().Msgf("%s gracefully shut down.", serviceName)
}
