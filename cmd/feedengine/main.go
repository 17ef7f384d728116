package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"tickfeedv1/config"
	"tickfeedv1/internal/feed/conn"
	"tickfeedv1/internal/feed/decoder"
	"tickfeedv1/internal/feed/dispatch"
	"tickfeedv1/internal/feed/manager"
	"tickfeedv1/internal/feed/registry"
	"tickfeedv1/internal/logger"
	"tickfeedv1/internal/metrics"
	"tickfeedv1/internal/model"
	"tickfeedv1/internal/plan"
	"tickfeedv1/internal/session"
	redisstore "tickfeedv1/internal/store/redis"
	"tickfeedv1/pkg/smartapi"
)

func main() {
	slogger := logger.Init("feedengine", slog.LevelInfo)
	slogger.Info("starting")

	cfg := config.Load()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Stores ----
	os.MkdirAll("data", 0o755)
	planStore, err := plan.NewStore(plan.StoreConfig{DBPath: cfg.PlanDBPath})
	if err != nil {
		log.Fatalf("[feedengine] plan store init failed: %v", err)
	}
	defer planStore.Close()
	health.SetPlanStoreOK(true)

	store, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, slogger)
	if err != nil {
		log.Fatalf("[feedengine] redis init failed: %v", err)
	}
	defer store.Close()
	health.StartLivenessChecker(ctx, store.Client(), 10*time.Second)

	// ---- Session issuer ----
	apiClient := smartapi.NewClient(smartapi.Config{APIKey: cfg.AngelAPIKey})
	issuer, err := session.New(apiClient, session.Config{
		APIKey:     cfg.AngelAPIKey,
		ClientCode: cfg.AngelClientCode,
		Password:   cfg.AngelPassword,
		TOTPSecret: cfg.AngelTOTPSecret,
	}, slogger)
	if err != nil {
		log.Fatalf("[feedengine] session issuer init failed: %v", err)
	}

	// ---- Core pipeline ----
	reg := registry.New()

	evaluator := plan.NewEvaluator(planStore, store, slogger)
	evaluator.OnTransition = func(p model.OrderPlan, from model.PlanStatus) {
		prom.PlanTransitions.WithLabelValues(string(p.Status)).Inc()
	}

	var mgr *manager.Manager
	dispatcher := dispatch.New(dispatch.Config{
		Registry:     reg,
		Store:        store,
		Evaluator:    evaluator,
		Workers:      cfg.DispatchWorkers,
		QueueSize:    cfg.TickQueueSize,
		Logger:       slogger,
		OnDrop:       func() { prom.DroppedTicks.Inc() },
		OnStoreError: func() { prom.PublishErrors.Inc() },
		OnUnbind:     func(planID string) { mgr.UnbindPlan(planID) },
	})

	newConn := func(mode int) (*conn.Conn, *dispatch.Queue) {
		c := conn.New(conn.Config{
			URL:                  cfg.StreamURL,
			Mode:                 mode,
			Issuer:               issuer,
			DataRequestInterval:  cfg.DataRequestInterval,
			FrameStaleAfter:      cfg.FrameStaleAfter,
			PongStaleAfter:       cfg.PongStaleAfter,
			ReconnectBase:        cfg.ReconnectBase,
			ReconnectMultiplier:  cfg.ReconnectMultiplier,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			Logger:               slogger,
		})
		q := dispatcher.Attach()
		modeLabel := strconv.Itoa(mode)
		c.Sink = func(res decoder.Result) {
			prom.TicksTotal.WithLabelValues(modeLabel).Inc()
			health.SetLastTickTime(time.Now())
			q.Offer(res)
		}
		c.OnReconnect = func() { prom.WSReconnects.WithLabelValues(modeLabel).Inc() }
		c.OnDecodeError = func() { prom.DecodeErrors.Inc() }
		return c, q
	}

	ltpConn, _ := newConn(decoder.ModeLTP)
	depthConn, _ := newConn(decoder.ModeSnapQuote)

	mgr = manager.New(manager.Config{
		Registry: reg,
		Plans:    planStore,
		Logger:   slogger,
		OnFatal: func(mode int, err error) {
			slogger.Error("connection unrecoverable", slog.Int("mode", mode), slog.Any("error", err))
		},
	}, ltpConn, depthConn)

	ltpConn.OnDataRequest = func() any { return mgr.DataRequestFrame(ltpConn.Mode()) }
	depthConn.OnDataRequest = func() any { return mgr.DataRequestFrame(depthConn.Mode()) }

	control := plan.NewControlPlane(store.Client(), planStore, mgr, slogger)

	// ---- Periodic gauges ----
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i, st := range dispatcher.QueueStats() {
					if st.Cap > 0 {
						pct := float64(st.Len) / float64(st.Cap) * 100
						prom.QueueSaturation.WithLabelValues(strconv.Itoa(i)).Set(pct)
					}
				}
				prom.SubscribedCount.Set(float64(reg.Len()))
				if store.Shedding() {
					prom.WritesShed.Set(1)
				} else {
					prom.WritesShed.Set(0)
				}
				health.SetConnState(ltpConn.Mode(), ltpConn.State().String())
				health.SetConnState(depthConn.Mode(), depthConn.State().String())
			}
		}
	}()

	go dispatcher.Run(ctx)
	go control.Run(ctx)

	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(ctx) }()

	select {
	case sig := <-sigCh:
		slogger.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil && ctx.Err() == nil {
			slogger.Error("feed manager failed", slog.Any("error", err))
			cancel()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
			metricsSrv.Stop(shutdownCtx)
			stop()
			os.Exit(1)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
	metricsSrv.Stop(shutdownCtx)
	stop()
	slogger.Info("stopped")
}
