package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetgate/fleetgate/internal/config"
	"github.com/fleetgate/fleetgate/internal/domain"
	"github.com/fleetgate/fleetgate/internal/handler"
	"github.com/fleetgate/fleetgate/internal/middleware"
	"github.com/fleetgate/fleetgate/internal/observability"
	"github.com/fleetgate/fleetgate/internal/repository"
	"github.com/fleetgate/fleetgate/internal/service"
	"github.com/fleetgate/fleetgate/internal/storage"
	"github.com/fleetgate/fleetgate/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

// lbLifecycle fans registry events out to the background loops that follow
// a load balancer's lifetime.
type lbLifecycle struct {
	monitor *service.HealthMonitor
	metrics *service.MetricsStore
	router  *service.Router
}

func (l *lbLifecycle) LoadBalancerRegistered(lb *domain.LoadBalancer) {
	l.monitor.Start(lb)
	l.metrics.StartSampler(lb)
}

func (l *lbLifecycle) LoadBalancerDeregistered(id string) {
	l.monitor.Stop(id)
	l.metrics.StopSampler(id)
	l.router.DropState(id)
}

// groupLifecycle fans registry events out to the evaluation loop and the
// event history.
type groupLifecycle struct {
	evaluation *service.EvaluationLoop
	events     *service.EventLog
}

func (g *groupLifecycle) GroupRegistered(grp *domain.AutoScalingGroup) {
	g.evaluation.GroupRegistered(grp)
}

func (g *groupLifecycle) GroupDeregistered(id string) {
	g.evaluation.GroupDeregistered(id)
	g.events.Drop(id)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"port":                cfg.Server.Port,
		"storage_enabled":     cfg.Storage.Enabled,
		"evaluation_interval": cfg.Scaling.EvaluationInterval.String(),
	}).Info("Starting control plane")

	var store storage.Store = storage.NopStore{}
	if cfg.Storage.Enabled {
		boltStore, err := storage.NewBoltStore(cfg.Storage.Path)
		if err != nil {
			log.WithError(err).Fatal("Failed to open persistent store")
		}
		store = boltStore
	}

	observed := observability.New()

	lbs := repository.NewLoadBalancerRegistry(store, log)
	groups := repository.NewGroupRegistry(store, log)

	affinity := service.NewAffinityStore(time.Minute)
	metricsStore := service.NewMetricsStore(cfg.Metrics.Retention, cfg.Metrics.SampleInterval, log)
	router := service.NewRouter(lbs, affinity, metricsStore, observed, log)
	monitor := service.NewHealthMonitor(service.NewHTTPProber(), affinity, observed, log)

	events := service.NewEventLog(cfg.EventLog.MaxEventsPerGroup)
	executor := service.NewExecutor(groups, &service.NoopProvisioner{}, events, observed, log)

	source := service.NewSnapshotMetricsSource(metricsStore, func(serviceName string) (string, bool) {
		for _, lb := range lbs.List() {
			if lb.Name == serviceName {
				return lb.ID, true
			}
		}
		return "", false
	})
	evaluator := service.NewEvaluator(groups, source, log)
	evaluation := service.NewEvaluationLoop(evaluator, executor, cfg.Scaling.EvaluationInterval, log)

	lbs.SetHooks(&lbLifecycle{monitor: monitor, metrics: metricsStore, router: router})
	groups.SetHooks(&groupLifecycle{evaluation: evaluation, events: events})

	persistedLBs, persistedGroups, err := store.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load persisted state")
	}
	lbs.Hydrate(persistedLBs)
	groups.Hydrate(persistedGroups)

	seedResources(cfg, lbs, groups, log)

	apiHandler := handler.NewAPIHandler(lbs, groups, router, metricsStore, events, evaluator, executor, observed,
		cfg.Routing.MaxRetries, cfg.Routing.RetryDelay, log)

	muxRouter := mux.NewRouter()
	apiHandler.Register(muxRouter)
	muxRouter.Use(
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log),
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      muxRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("Control plane API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.WithField("signal", sig.String()).Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}

	evaluation.Close()
	monitor.Close()
	metricsStore.Close()
	if err := store.Close(); err != nil {
		log.WithError(err).Error("Failed to close persistent store")
	}
	log.Info("Shutdown complete")
}

// seedResources creates the resources declared in the configuration file,
// skipping names that already exist after hydration.
func seedResources(cfg *config.Config, lbs *repository.LoadBalancerRegistry, groups *repository.GroupRegistry, log *logger.Logger) {
	existingLBs := make(map[string]bool)
	for _, lb := range lbs.List() {
		existingLBs[lb.Name] = true
	}
	for _, lb := range cfg.LoadBalancers {
		if existingLBs[lb.Name] {
			continue
		}
		if _, err := lbs.Create(lb); err != nil {
			log.WithError(err).WithField("name", lb.Name).Error("Failed to create configured load balancer")
		}
	}

	existingGroups := make(map[string]bool)
	for _, g := range groups.List() {
		existingGroups[g.Name] = true
	}
	for _, g := range cfg.Groups {
		if existingGroups[g.Name] {
			continue
		}
		if _, err := groups.Create(g); err != nil {
			log.WithError(err).WithField("name", g.Name).Error("Failed to create configured auto-scaling group")
		}
	}
}
