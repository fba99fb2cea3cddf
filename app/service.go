package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldflow/dispatch/api/jobs"
	"github.com/fieldflow/dispatch/config"
	"github.com/fieldflow/dispatch/core/dispatch"
	"github.com/fieldflow/dispatch/core/escalation"
	"github.com/fieldflow/dispatch/core/match"
	coremetrics "github.com/fieldflow/dispatch/core/metrics"
	corenotify "github.com/fieldflow/dispatch/core/notify"
	"github.com/fieldflow/dispatch/core/reconcile"
	"github.com/fieldflow/dispatch/core/reservation"
	corestore "github.com/fieldflow/dispatch/core/store"
	"github.com/fieldflow/dispatch/infra/calllog"
	"github.com/fieldflow/dispatch/infra/logger"
	"github.com/fieldflow/dispatch/infra/metrics"
	"github.com/fieldflow/dispatch/infra/notify"
	"github.com/fieldflow/dispatch/infra/store"
	"github.com/fieldflow/dispatch/internal/eventbus"
)

// Service orchestrates the scheduling engine, escalation ladder,
// reconciliation worker and the jobs API.
type Service struct {
	Manager   *dispatch.Manager
	Escalator *escalation.Engine
	Worker    *reconcile.Worker
	CallLog   *calllog.MemoryLog

	st          corestore.Store
	bus         eventbus.EventBus
	log         logger.Logger
	mqttChannel *notify.MQTTChannel
	sink        coremetrics.Sink
	apiAddr     string
	promEnabled bool
	promAddr    string
	reconcileOn bool
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	var (
		st  corestore.Store
		err error
	)
	switch cfg.Storage.Backend {
	case "sqlite":
		st, err = store.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
	default:
		st = store.NewMemoryStore()
	}

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink()
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(
			cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket))
	}
	var sink coremetrics.Sink
	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = metrics.NewMultiSink(sinks...)
	}

	bus := eventbus.New()

	var senders []notify.Sender
	var mqttChannel *notify.MQTTChannel
	if cfg.MQTT.Broker != "" {
		mqttChannel, err = notify.NewMQTTChannel(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("mqtt channel: %w", err)
		}
		senders = append(senders, mqttChannel)
	} else {
		senders = append(senders, notify.NewLogChannel(corenotify.ChannelPush))
	}
	senders = append(senders,
		notify.NewLogChannel(corenotify.ChannelSMS),
		notify.NewLogChannel(corenotify.ChannelVoice),
		notify.NewLogChannel(corenotify.ChannelEmail),
	)
	notifier := notify.NewDispatcher(bus, senders...)

	matcher := match.New(st, st, time.Duration(cfg.Dispatch.MatchHorizonDays)*24*time.Hour)
	slots := reservation.New(st, logger.New("reservation"),
		cfg.Dispatch.MaxReserveAttempts, time.Duration(cfg.Dispatch.ReserveBackoffMS)*time.Millisecond)

	manager, err := dispatch.NewManager(st, matcher, slots, notifier, bus, logger.New("dispatch"), cfg.Dispatch)
	if err != nil {
		return nil, fmt.Errorf("dispatch manager: %w", err)
	}

	engine := escalation.New(st, st, notifier, bus, logger.New("escalation"), cfg.Escalation)
	manager.SetEscalator(engine)

	callLog := calllog.NewMemoryLog()
	var source reconcile.CallSource = callLog
	if cfg.CallProvider.URL != "" {
		var cred *calllog.AuthConf
		if cfg.CallProvider.Auth.ClientID != "" {
			cred = &cfg.CallProvider.Auth
		}
		source = calllog.NewHTTPSource(cfg.CallProvider.URL, cred)
	}
	worker := reconcile.New(st, source, manager, notifier, logger.New("reconcile"),
		time.Duration(cfg.Reconcile.IntervalMinutes)*time.Minute)

	return &Service{
		Manager:     manager,
		Escalator:   engine,
		Worker:      worker,
		CallLog:     callLog,
		st:          st,
		bus:         bus,
		log:         logg,
		mqttChannel: mqttChannel,
		sink:        sink,
		apiAddr:     cfg.API.Addr,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promAddr:    cfg.Metrics.PrometheusAddr,
		reconcileOn: cfg.Reconcile.Enabled,
	}, nil
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.sink != nil {
		metrics.StartEventCollector(ctx, s.bus, s.sink)
	}
	if err := s.resumeEscalations(ctx); err != nil {
		s.log.Errorf("escalation resume: %v", err)
	}
	if s.reconcileOn {
		go s.Worker.Run(ctx)
	}
	if s.promEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.promAddr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	go s.serveAPI(ctx)
	<-ctx.Done()
	return nil
}

// resumeEscalations re-arms ladder timers for jobs that were mid-escalation
// when the previous process stopped.
func (s *Service) resumeEscalations(ctx context.Context) error {
	tenants, err := s.st.Tenants(ctx)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		if err := s.Escalator.Resume(ctx, t); err != nil {
			return fmt.Errorf("tenant %s: %w", t, err)
		}
	}
	return nil
}

func (s *Service) serveAPI(ctx context.Context) {
	mux := jobs.NewMux(s.Manager, s.st)
	srv := &http.Server{Addr: s.apiAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("api shutdown: %v", err)
		}
	}()
	s.log.Infof("jobs API listening on %s", s.apiAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Errorf("api server: %v", err)
	}
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.Escalator.Stop()
	if s.mqttChannel != nil {
		s.mqttChannel.Disconnect()
	}
	s.bus.Close()
	err := s.Manager.Close()
	if cerr := s.st.Close(); err == nil {
		err = cerr
	}
	return err
}
