// Package app composes configuration, persistence, queue lanes, and
// external clients into the runnable early-action service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"earlyaction/internal/clock"
	"earlyaction/internal/config"
	"earlyaction/internal/ingest"
	"earlyaction/internal/ledger"
	"earlyaction/internal/logging"
	"earlyaction/internal/notify"
	"earlyaction/internal/offramp"
	"earlyaction/internal/payout"
	"earlyaction/internal/phase"
	"earlyaction/internal/provider"
	"earlyaction/internal/queue"
	"earlyaction/internal/settle"
	"earlyaction/internal/store"
	"earlyaction/internal/trigger"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable early-action service.
type Service struct {
	cfg      config.Config
	logger   *slog.Logger
	closeLog func()
	store    store.Store
	bus      *notify.Bus

	assignmentProducer    queue.Producer
	settlementProducer    queue.Producer
	communicationProducer queue.Producer
	offrampProducer       queue.Producer
	workers               []queue.Worker

	engine        *phase.Engine
	triggers      *trigger.Service
	payouts       *payout.Service
	settleWorker  *settle.Worker
	offrampWorker *offramp.Worker

	httpSrv   *http.Server
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{cfg: cfg, logger: logger, closeLog: closeLog, clock: clk}

	service.store, err = buildStore(cfg)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	service.bus, err = notify.NewBus(cfg.Notify, logger)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	if err := service.buildPipeline(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.readyFlag.Store(true)
	s.logger.Info("service started", "mode", s.cfg.Service.Mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	for _, worker := range s.workers {
		if err := worker.Close(); err != nil {
			s.logger.Error("lane worker close failed", "error", err.Error())
			markErr(fmt.Errorf("lane worker close: %w", err))
		}
	}
	for _, producer := range s.producers() {
		if err := producer.Close(); err != nil {
			s.logger.Error("lane producer close failed", "error", err.Error())
			markErr(fmt.Errorf("lane producer close: %w", err))
		}
	}
	if err := s.bus.Close(); err != nil {
		s.logger.Error("notify bus close failed", "error", err.Error())
		markErr(fmt.Errorf("notify bus close: %w", err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	for _, worker := range s.workers {
		_ = worker.Close()
	}
	s.workers = nil
	for _, producer := range s.producers() {
		_ = producer.Close()
	}
	s.assignmentProducer = nil
	s.settlementProducer = nil
	s.communicationProducer = nil
	s.offrampProducer = nil
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.bus != nil {
		_ = s.bus.Close()
		s.bus = nil
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

// buildPipeline wires producers, workers, clients, and domain services.
// Params: none.
// Returns: setup error.
func (s *Service) buildPipeline() error {
	var ledgerClient ledger.Client
	if s.cfg.Ledger.RPCURL != "" {
		ledgerClient = ledger.NewRPCClient(s.cfg.Ledger)
	}
	var providerClient provider.Client
	if s.cfg.Provider.BaseURL != "" {
		providerClient = provider.NewRESTClient(s.cfg.Provider)
	}

	single := s.cfg.Service.Mode == config.ServiceModeSingle

	var inlineAssignment, inlineSettlement, inlineCommunication, inlineOfframp *queue.InlineProducer
	if single {
		inlineAssignment = queue.NewInlineProducer()
		inlineSettlement = queue.NewInlineProducer()
		inlineCommunication = queue.NewInlineProducer()
		inlineOfframp = queue.NewInlineProducer()
		s.assignmentProducer = inlineAssignment
		s.settlementProducer = inlineSettlement
		s.communicationProducer = inlineCommunication
		s.offrampProducer = inlineOfframp
	} else {
		var err error
		if s.assignmentProducer, err = queue.NewNATSProducer(s.cfg.Queue.URL, s.cfg.Queue.Assignment); err != nil {
			return fmt.Errorf("assignment producer: %w", err)
		}
		if s.settlementProducer, err = queue.NewNATSProducer(s.cfg.Queue.URL, s.cfg.Queue.Settlement); err != nil {
			return fmt.Errorf("settlement producer: %w", err)
		}
		if s.communicationProducer, err = queue.NewNATSProducer(s.cfg.Queue.URL, s.cfg.Queue.Communication); err != nil {
			return fmt.Errorf("communication producer: %w", err)
		}
		if s.offrampProducer, err = queue.NewNATSProducer(s.cfg.Queue.URL, s.cfg.Queue.Offramp); err != nil {
			return fmt.Errorf("offramp producer: %w", err)
		}
	}

	dispatcher := offramp.NewDispatcher(s.offrampProducer)
	s.settleWorker = settle.NewWorker(
		s.store, ledgerClient, s.settlementProducer, dispatcher, s.clock, s.logger,
		settle.WorkerConfig{
			SubBatchSize:          s.cfg.Service.SettlementSubBatch,
			TokenDecimals:         s.cfg.Ledger.TokenDecimals,
			AssignmentTokenAmount: s.cfg.Service.AssignmentTokenAmount,
			OfframpWalletAddress:  s.cfg.Ledger.OfframpWalletAddress,
		})
	s.offrampWorker = offramp.NewWorker(s.store, providerClient, s.clock, s.logger)

	s.engine = phase.NewEngine(
		s.store, s.assignmentProducer, s.communicationProducer, s.bus,
		s.clock, s.logger, s.cfg.Service.AssignmentBatchSize)
	s.triggers = trigger.NewService(s.store, s.clock, s.logger)
	s.payouts = payout.NewService(
		s.store, providerClient, s.settlementProducer, s.bus,
		s.clock, s.logger, s.cfg.Service.AssignmentBatchSize)

	if single {
		inlineAssignment.Bind(s.settleWorker.HandleAssignment)
		inlineSettlement.Bind(s.settleWorker.HandleBatch)
		inlineCommunication.Bind(s.engine.HandleCommunication)
		inlineOfframp.Bind(s.offrampWorker.Handle)
		return nil
	}
	return s.startLaneWorkers()
}

// startLaneWorkers starts the four durable lane consumers.
// Params: none.
// Returns: first worker setup error.
func (s *Service) startLaneWorkers() error {
	lanes := []struct {
		cfg     config.LaneConfig
		handler queue.Handler
	}{
		{s.cfg.Queue.Assignment, s.settleWorker.HandleAssignment},
		{s.cfg.Queue.Settlement, s.settleWorker.HandleBatch},
		{s.cfg.Queue.Communication, s.engine.HandleCommunication},
		{s.cfg.Queue.Offramp, s.offrampWorker.Handle},
	}
	for _, lane := range lanes {
		worker, err := queue.NewNATSWorker(s.cfg.Queue.URL, lane.cfg, s.logger, lane.handler)
		if err != nil {
			return fmt.Errorf("start %s worker: %w", lane.cfg.Stream, err)
		}
		s.workers = append(s.workers, worker)
	}
	return nil
}

// buildHTTPServer wires router with evidence, health, and admin endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
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
		handler := ingest.NewHTTPHandler(s.triggers, s.cfg.Ingest.HTTP.MaxBodyBytes)
		mux.Handle(s.cfg.Ingest.HTTP.EvidencePath, handler)
	}
	s.registerAdminRoutes(mux)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Ingest.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// producers returns the non-nil lane producers.
// Params: none.
// Returns: producer slice for shutdown iteration.
func (s *Service) producers() []queue.Producer {
	all := []queue.Producer{
		s.assignmentProducer,
		s.settlementProducer,
		s.communicationProducer,
		s.offrampProducer,
	}
	out := make([]queue.Producer, 0, len(all))
	for _, producer := range all {
		if producer != nil {
			out = append(out, producer)
		}
	}
	return out
}

// buildStore creates runtime record backend from config.
// Params: root config snapshot.
// Returns: selected store backend.
func buildStore(cfg config.Config) (store.Store, error) {
	if cfg.Service.Mode == config.ServiceModeSingle {
		return store.NewMemoryStore(), nil
	}
	return store.NewNATSStore(cfg.State)
}
