// Package main boots the order fulfillment pipeline service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/abcretail/order-pipeline/internal/assets"
	"github.com/abcretail/order-pipeline/internal/config"
	"github.com/abcretail/order-pipeline/internal/fulfill"
	httpapi "github.com/abcretail/order-pipeline/internal/http"
	"github.com/abcretail/order-pipeline/internal/notify"
	"github.com/abcretail/order-pipeline/internal/obs"
	"github.com/abcretail/order-pipeline/internal/pipeline"
	"github.com/abcretail/order-pipeline/internal/queue"
	"github.com/abcretail/order-pipeline/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	obs.InitLogger()
	defer func() { _ = obs.Logger.Sync() }()
	obs.Logger.Info("service_starting")

	metrics := obs.NewPipelineMetrics(prometheus.DefaultRegisterer)
	st := store.New()

	qopts := queue.Options{Visibility: cfg.QueueVisibility, MaxDeliveries: cfg.QueueMaxDeliveries}
	ordersQ := queue.New("order-notifications", qopts)
	stockQ := queue.New("stock-updates", qopts)
	assetsQ := queue.New("product-images", qopts)
	orderArchive := queue.NewArchive("order-notifications-archive", cfg.ArchiveRetention)
	stockArchive := queue.NewArchive("stock-updates-archive", cfg.ArchiveRetention)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orderArchive.Sweep(ctx, cfg.ArchivePurgeInterval)
	go stockArchive.Sweep(ctx, cfg.ArchivePurgeInterval)

	worker := fulfill.NewWorker(st, stockQ, orderArchive, metrics, cfg)
	fulfillPool := pipeline.NewPool("fulfill", cfg.Fulfill, ordersQ, worker.Handle)
	notifyPool := pipeline.NewPool("notify", cfg.Notify, stockQ, notify.NewConsumer(stockArchive).Handle)
	assetsPool := pipeline.NewPool("assets", cfg.Assets, assetsQ, assets.NewReconciler(st, cfg).Handle)
	fulfillPool.Start(ctx)
	notifyPool.Start(ctx)
	assetsPool.Start(ctx)

	app := httpapi.NewApp(st, ordersQ, stockQ, assetsQ)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(app),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		obs.Logger.Info("http_listen", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obs.Logger.Error("http_server_error", zap.Error(err))
			os.Exit(1)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigc
	obs.Logger.Info("shutdown_signal", zap.String("signal", s.String()))

	app.StartShutdown()
	obs.Logger.Info("shutdown_drain_begin",
		zap.Int("orders_backlog", ordersQ.BacklogSize()),
		zap.Int("fulfill_workers", fulfillPool.WorkerCount()),
	)

	ctxDrain, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelDrain()
	for _, p := range []*pipeline.Pool{fulfillPool, notifyPool, assetsPool} {
		if !p.DrainUntil(ctxDrain) {
			obs.Logger.Warn("shutdown_drain_timeout")
			break
		}
	}

	ctxSrv, cancelSrv := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSrv()
	if err := srv.Shutdown(ctxSrv); err != nil {
		obs.Logger.Error("http_shutdown_error", zap.Error(err))
	}
	fulfillPool.Stop()
	notifyPool.Stop()
	assetsPool.Stop()
	obs.Logger.Info("service_stopped")
}
