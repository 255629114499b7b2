package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"vetdesk/internal/clock"
	"vetdesk/internal/config"
	"vetdesk/internal/domain"
	"vetdesk/internal/escalation"
	"vetdesk/internal/events"
	"vetdesk/internal/ingest"
	"vetdesk/internal/logging"
	"vetdesk/internal/render"
	"vetdesk/internal/store"
	"vetdesk/internal/transport"

	"golang.org/x/sync/errgroup"
)

// components are the pluggable collaborators; nil fields are built from config.
type components struct {
	store  store.Store
	expert transport.ExpertChannel
	farmer transport.FarmerChannel
	events events.Publisher
}

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and escalation components selected by service role.
// Returns: runnable vetdesk service.
type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func()
	clock      clock.Clock
	store      store.Store
	events     events.Publisher
	expert     transport.ExpertChannel
	deps       escalation.Deps
	pipeline   *escalation.Pipeline
	correlator *escalation.Correlator
	notifier   *escalation.Notifier
	desk       *escalation.Desk
	httpSrv    *http.Server
	natsSub    interface{ Close() error }
	readyFlag  atomic.Bool
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	return newService(cfg, clk, components{})
}

func newService(cfg config.Config, clk clock.Clock, parts components) (*Service, error) {
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	service := &Service{
		cfg:      cfg,
		logger:   logger.With("service", cfg.Service.Name, "role", cfg.Service.Role),
		closeLog: closeLog,
		clock:    clock.OrReal(clk),
	}
	if err := service.buildCore(parts); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.buildHTTPServer()
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// buildCore wires store, channels, renderer, events and escalation components.
func (s *Service) buildCore(parts components) error {
	var err error
	s.store = parts.store
	if s.store == nil {
		if s.store, err = buildStore(s.cfg, s.logger); err != nil {
			return err
		}
	}
	s.events = parts.events
	if s.events == nil {
		if s.events, err = buildEvents(s.cfg); err != nil {
			return err
		}
	}
	s.expert = parts.expert
	if s.expert == nil {
		expert, expertErr := transport.NewTelegramExpert(s.cfg.Expert.Telegram, s.logger)
		if expertErr != nil {
			return fmt.Errorf("expert channel: %w", expertErr)
		}
		s.expert = expert
	}
	farmer := parts.farmer
	if farmer == nil && s.cfg.Service.RunsFarmer() {
		if farmer, err = buildFarmer(s.cfg, s.logger); err != nil {
			return err
		}
	}
	renderer, err := render.New(s.cfg.Templates)
	if err != nil {
		return err
	}

	s.deps = escalation.Deps{
		Store:      s.store,
		Expert:     s.expert,
		Farmer:     farmer,
		Renderer:   renderer,
		Events:     s.events,
		Clock:      s.clock,
		StoreRetry: s.cfg.Store.Retry.Policy(),
		Logger:     s.logger,
	}
	s.desk = escalation.NewDesk(s.deps)
	if s.cfg.Service.RunsFarmer() {
		s.pipeline = escalation.NewPipeline(s.deps, escalation.NewDispatcher(s.deps))
		s.notifier = escalation.NewNotifier(s.deps)
	}
	if s.cfg.Service.RunsExpert() {
		s.correlator = escalation.NewCorrelator(s.deps)
	}
	return nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(ctx)

	var stream <-chan domain.InboundEvent
	if s.correlator != nil {
		var err error
		if stream, err = s.expert.Subscribe(groupCtx); err != nil {
			s.logger.Error("expert channel subscribe failed", "error", err.Error())
			return errors.Join(fmt.Errorf("expert subscribe: %w", err), s.shutdown())
		}
	}

	group.Go(func() error {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		s.readyFlag.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if s.notifier != nil {
		group.Go(func() error {
			s.logger.Info("farmer notifier starting", "interval", s.cfg.Service.NotifyInterval().String())
			return s.notifier.Run(groupCtx, s.cfg.Service.NotifyInterval(), s.cfg.Service.NotifyFirstDelay())
		})
	}
	if s.correlator != nil {
		group.Go(func() error {
			s.logger.Info("expert channel listening", "max_inflight", s.cfg.Service.MaxInflightEvents)
			return s.correlator.Serve(groupCtx, stream, s.cfg.Service.MaxInflightEvents)
		})
	}

	s.readyFlag.Store(true)
	runErr := group.Wait()
	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
		s.natsSub = nil
	}
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			s.logger.Error("event publisher close failed", "error", err.Error())
			markErr(fmt.Errorf("event publisher close: %w", err))
		}
		s.events = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close failed", "error", err.Error())
			markErr(fmt.Errorf("store close: %w", err))
		}
		s.store = nil
	}
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.events != nil {
		_ = s.events.Close()
		s.events = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildHTTPServer wires probes, advisory and operator case endpoints.
func (s *Service) buildHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Ingest.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.Ingest.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})

	if s.cfg.Ingest.HTTP.Enabled {
		if s.pipeline != nil {
			mux.Handle(s.cfg.Ingest.HTTP.AdvisoryPath, ingest.NewHTTPHandler(s.pipeline, s.cfg.Ingest.HTTP.MaxBodyBytes))
		}
		ingest.NewCasesHandler(s.desk, s.cfg.Ingest.HTTP.MaxBodyBytes).Register(mux, s.cfg.Ingest.HTTP.CasesPath)
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Ingest.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildNATSSubscriber starts NATS advisory ingest when enabled.
func (s *Service) buildNATSSubscriber() error {
	if !s.cfg.Ingest.NATS.Enabled || s.pipeline == nil {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.pipeline, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildStore creates case store backend from config.
// Params: root config snapshot and logger.
// Returns: selected store backend.
func buildStore(cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		s, err := store.OpenSQLite(cfg.Store.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorePostgres:
		s, err := store.OpenPostgres(cfg.Store.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreNATS:
		s, err := store.NewNATSStore(cfg.Store.NATS, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// buildEvents creates lifecycle event publisher.
func buildEvents(cfg config.Config) (events.Publisher, error) {
	if !cfg.Events.Enabled {
		return events.Nop{}, nil
	}
	publisher, err := events.NewNATSPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}
	return publisher, nil
}

// buildFarmer creates farmer delivery channel selected by farmer.channel.
func buildFarmer(cfg config.Config, logger *slog.Logger) (transport.FarmerChannel, error) {
	switch cfg.Farmer.Channel {
	case config.FarmerChannelTwilio:
		farmer, err := transport.NewTwilioFarmer(cfg.Farmer.Twilio, logger)
		if err != nil {
			return nil, fmt.Errorf("farmer channel: %w", err)
		}
		return farmer, nil
	default:
		farmer, err := transport.NewTelegramFarmer(cfg.Farmer.Telegram, logger)
		if err != nil {
			return nil, fmt.Errorf("farmer channel: %w", err)
		}
		return farmer, nil
	}
}
