package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/chainlens/streaming-indexer/infrastructure/chain"
	apperrors "github.com/chainlens/streaming-indexer/infrastructure/errors"
	"github.com/chainlens/streaming-indexer/infrastructure/state"
)

// chainRuntime bundles everything the Service needs to drive sessions for
// one chain: its RPC pool, its chain-agnostic fetcher, its chunk manager,
// and (optionally) its subscription resolver.
type chainRuntime struct {
	pool          *chain.RPCPool
	fetcher       Fetcher
	chunkManager  *ChunkManager
	subscriptions Subscriptions
}

// ChainEndpoints maps a chain to its comma-separated RPC endpoint list;
// the composition root builds this from Config before calling NewService.
type ChainEndpoints map[chain.ChainID]string

// Service is the streaming indexer's composition root: it owns one RPC
// pool per configured chain, the session registry, the progress
// publisher, the health monitor, and the durable repository, and drives
// each session's find -> plan -> fetch -> validate -> persist pipeline.
type Service struct {
	cfg  *Config
	repo Repository
	log  *logrus.Entry

	runtimes map[chain.ChainID]*chainRuntime
	finder   *DeploymentFinder
	sessions *SessionManager
	pub      *Publisher
	health   *HealthMonitor
	metrics  *IndexerMetrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewService wires a Service from cfg: one RPCPool + Fetcher + ChunkManager
// per chain with configured endpoints, a DeploymentFinder, a
// SessionManager, a Publisher, and a HealthMonitor built over all of the
// above. Subscriptions resolvers are supplied by the caller per chain
// (keyed the same as endpoints) since they depend on a registry contract
// address the composition root already parsed out of cfg. registerer may
// be nil to disable metrics collection (e.g. in tests).
func NewService(cfg *Config, repo Repository, endpoints ChainEndpoints, resolvers map[chain.ChainID]Subscriptions, registerer prometheus.Registerer) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	runtimes := make(map[chain.ChainID]*chainRuntime, len(endpoints))
	pools := make(map[chain.ChainID]*chain.RPCPool, len(endpoints))

	for id, csv := range endpoints {
		urls := chain.ParseEndpoints(csv)
		if len(urls) == 0 {
			continue
		}
		pool, err := chain.NewRPCPool(cfg.RPCPoolConfig(urls))
		if err != nil {
			return nil, fmt.Errorf("rpc pool for %s: %w", id, err)
		}

		var fetcher Fetcher
		if id.Type() == chain.ChainTypeStarknet {
			fetcher = NewStarknetFetcher(pool, cfg.RPCMaxRetries)
		} else {
			fetcher = NewEVMFetcher(pool, cfg.RPCMaxRetries)
		}

		chunkCfg := DefaultChunkManagerConfig()
		chunkCfg.ChunkSize = cfg.ChunkSize
		chunkCfg.ChunkFloor = cfg.ChunkFloor
		chunkCfg.MaxChunkRetries = cfg.MaxChunkRetries
		chunkCfg.Concurrency = cfg.MaxConcurrency
		chunkCfg.BaseDelay = time.Duration(cfg.RPCBaseDelayMS) * time.Millisecond
		chunkCfg.MaxDelay = time.Duration(cfg.RPCMaxDelayMS) * time.Millisecond

		chunkManager := NewChunkManager(chunkCfg, fetcher)

		runtimes[id] = &chainRuntime{
			pool:          pool,
			fetcher:       fetcher,
			chunkManager:  chunkManager,
			subscriptions: resolvers[id],
		}
		pools[id] = pool
	}

	if len(runtimes) == 0 {
		return nil, fmt.Errorf("no chain has configured rpc endpoints")
	}

	sessions := NewSessionManager()
	finder := NewDeploymentFinder()

	backend, err := deploymentCacheBackend(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("deployment cache backend: %w", err)
	}
	persist, err := state.NewPersistentState(state.Config{Backend: backend, KeyPrefix: "deployment-block:"})
	if err != nil {
		return nil, fmt.Errorf("deployment cache persistence: %w", err)
	}
	finder.SetPersistence(persist)

	var storageRecorder StorageLatencyRecorder
	if recorder, ok := repo.(StorageLatencyRecorder); ok {
		storageRecorder = recorder
	}

	svc := &Service{
		cfg:      cfg,
		repo:     repo,
		log:      logrus.WithField("component", "indexer-service"),
		runtimes: runtimes,
		finder:   finder,
		sessions: sessions,
		pub:      NewPublisher(),
		health:   NewHealthMonitor(pools, sessions, finder, storageRecorder),
	}
	if registerer != nil {
		svc.metrics = NewIndexerMetrics(registerer)
		finder.OnLookup(func(hit bool) {
			if hit {
				svc.metrics.DeploymentCacheHits.Inc()
			} else {
				svc.metrics.DeploymentCacheMisses.Inc()
			}
		})
	}
	return svc, nil
}

// Start marks the service running and starts each chain's RPC pool health
// probing; it does not start any session on its own.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("service already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, rt := range s.runtimes {
		rt.pool.Start(runCtx)
	}

	s.log.WithField("chains", len(s.runtimes)).Info("indexer service started")
	return nil
}

// Stop cancels background work and marks the service stopped.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	for _, rt := range s.runtimes {
		rt.pool.Stop()
	}
	s.running = false
	s.log.Info("indexer service stopped")
}

// StartSession starts a new streaming indexing session for userID over
// address on the given chain, resolving the caller's tier through that
// chain's subscription resolver (falling back to TierFree on any
// resolution failure), and begins running it in the background.
// fromDeployment requests the Enterprise-only "index from deployment" mode
// in place of the tier's default lookback; it is ignored for every other
// tier.
func (s *Service) StartSession(ctx context.Context, userID, address string, id chain.ChainID, fromDeployment bool) (*IndexerSession, error) {
	rt, ok := s.runtimes[id]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, fmt.Sprintf("chain %s is not configured", id), 400)
	}

	tier := ResolveTier(ctx, rt.subscriptions, address)

	session, err := s.sessions.Start(userID, address, id, tier, fromDeployment)
	if err != nil {
		return nil, err
	}

	go s.runSession(session.ID)
	return session, nil
}

// StopSession cancels a running session.
func (s *Service) StopSession(sessionID string) error {
	return s.sessions.Stop(sessionID)
}

// SessionStatus returns the current wire projection of a session.
func (s *Service) SessionStatus(sessionID string) (SessionView, error) {
	return s.sessions.Status(sessionID)
}

// Subscribe returns a live progress event stream for sessionID.
func (s *Service) Subscribe(sessionID string) *subscription {
	return s.pub.Subscribe(sessionID)
}

// HealthSnapshot returns the current aggregate health view.
func (s *Service) HealthSnapshot() HealthSnapshot {
	snap := s.health.Snapshot()
	if s.metrics != nil {
		s.metrics.SetSessionsByState(snap.SessionsByState)
	}
	return snap
}

// runSession drives one session through find -> plan -> fetch -> validate
// -> persist, publishing a ProgressEvent at each state transition and
// once the chunk fetch stage completes.
func (s *Service) runSession(sessionID string) {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return
	}
	rt := s.runtimes[session.Chain]
	log := s.log.WithFields(logrus.Fields{"session": sessionID, "chain": session.Chain, "address": session.ContractAddress})

	// The hard deadline bounds the whole run; StopSession cancels the same
	// context early so an in-flight chunk fetch actually unblocks instead of
	// only having its state field flipped to Cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), s.hardDeadlineFor(session))
	defer cancel()
	s.sessions.SetCancel(sessionID, cancel)

	fail := func(reason string) {
		if errors.Is(ctx.Err(), context.Canceled) {
			// StopSession already transitioned the session to Cancelled and
			// cleared it from the registry; nothing left to report here.
			return
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "Timeout: " + reason
		}
		session.Transition(StateFailed, reason)
		s.sessions.MarkTerminal(sessionID)
		s.publishState(session, reason)
		log.WithField("reason", reason).Warn("session failed")
	}

	session.Transition(StatePlanning, "resolving deployment block and window")
	s.publishState(session, "")

	head, err := rt.fetcher.GetHead(ctx)
	if err != nil {
		fail(fmt.Sprintf("get head: %v", err))
		return
	}

	deploymentBlock, err := s.finder.Find(ctx, session.Chain, session.ContractAddress, head, rt.fetcher)
	if err != nil {
		fail(fmt.Sprintf("find deployment block: %v", err))
		return
	}

	window := CalculateWindow(session.Chain, head, deploymentBlock, session.Tier, session.FromDeployment)
	session.Window = window
	session.Metrics.BlocksTotal = window.Len()

	// A fresh ChunkManager per session (sharing the chain's fetcher and
	// tuning, with concurrency capped at the tier's ChunkConcurrency) keeps
	// the split/retry hooks below attributable to this session alone;
	// rt.chunkManager may be driving other sessions on the same chain
	// concurrently.
	chunkCfg := rt.chunkManager.cfg
	if n := session.Tier.ChunkConcurrency(); n < chunkCfg.Concurrency {
		chunkCfg.Concurrency = n
	}
	chunkManager := NewChunkManager(chunkCfg, rt.fetcher)
	var splits, retries atomic.Int64
	chunkManager.OnSplit(func() { splits.Add(1) })
	chunkManager.OnRetry(func() { retries.Add(1) })

	chunks := chunkManager.Plan(window)
	session.Metrics.ChunksTotal = len(chunks)

	session.Transition(StateRunning, "")
	s.publishState(session, "")

	if err := chunkManager.ExecuteAll(ctx, session.ContractAddress, chunks); err != nil {
		fail(fmt.Sprintf("execute chunks: %v", err))
		return
	}

	// ExecuteAll only returns nil once every chunk has reached ChunkFetched;
	// promote them to ChunkComplete so the reassembly loop below and the
	// Horizontal Validator (which assumes ChunkComplete) both see them.
	for _, c := range chunks {
		if c.Status == ChunkFetched {
			c.Status = ChunkComplete
		}
	}

	session.Metrics.ChunksSplit = int(splits.Load())
	session.Metrics.ChunksRetried = int(retries.Load())
	if s.metrics != nil {
		s.metrics.AddChunkSplits(string(session.Chain), splits.Load())
		s.metrics.AddChunkRetries(string(session.Chain), retries.Load())
	}

	for _, c := range chunks {
		if c.Status == ChunkComplete {
			session.Metrics.ChunksComplete++
			session.Metrics.LogsIndexed += uint64(len(c.Logs))
			session.Metrics.BlocksIndexed += c.Window.Len()
		}
		if s.metrics != nil {
			s.metrics.RecordChunkOutcome(string(session.Chain), string(c.Status))
		}
	}
	s.publishMetrics(session)

	session.Transition(StateValidating, "")
	s.publishState(session, "")

	result := ValidateChunks(window, chunks)
	if !result.OK {
		fail(fmt.Sprintf("validation failed: %s at chunk %d: %s", result.Kind, result.Index, result.Detail))
		return
	}

	if err := s.persist(ctx, session); err != nil {
		log.WithError(err).Warn("persist analysis failed")
	}

	session.Transition(StateCompleted, "")
	s.sessions.MarkTerminal(sessionID)
	s.publishState(session, "")
	log.Info("session completed")
}

func (s *Service) persist(ctx context.Context, session *IndexerSession) error {
	metricsJSON, err := json.Marshal(session.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = s.repo.Create(ctx, Analysis{
		UserID:          session.UserID,
		ContractAddress: session.ContractAddress,
		Chain:           session.Chain,
		Tier:            session.Tier,
		WindowFrom:      session.Window.From,
		WindowTo:        session.Window.To,
		Status:          session.State,
		Progress:        session.Metrics.Progress(),
		MetricsJSON:     metricsJSON,
	})
	return err
}

func (s *Service) publishState(session *IndexerSession, message string) {
	s.pub.Publish(ProgressEvent{
		Type:      EventStateChanged,
		SessionID: session.ID,
		State:     session.State,
		Metrics:   session.Metrics,
		Message:   message,
		At:        time.Now(),
	})
}

// hardDeadlineFor returns the hard deadline for session: cfg's
// SessionHardDeadlineMS for Free/Starter, overridable per deployment, and
// the spec's fixed 6h for Pro/Enterprise (never configurable, per
// IndexerSession.HardDeadline).
func (s *Service) hardDeadlineFor(session *IndexerSession) time.Duration {
	if session.Tier == TierPro || session.Tier == TierEnterprise {
		return session.HardDeadline()
	}
	if s.cfg.SessionHardDeadlineMS <= 0 {
		return session.HardDeadline()
	}
	return time.Duration(s.cfg.SessionHardDeadlineMS) * time.Millisecond
}

// deploymentCacheBackend builds the store backing the deployment finder's
// durable cache: Redis when redisURL is configured, an in-process map
// otherwise (which loses the cache across restarts, same as before this
// existed).
func deploymentCacheBackend(redisURL string) (state.PersistenceBackend, error) {
	if redisURL == "" {
		return state.NewMemoryBackend(0), nil
	}
	return state.NewRedisBackend(redisURL)
}

func (s *Service) publishMetrics(session *IndexerSession) {
	s.pub.Publish(ProgressEvent{
		Type:      EventMetricsUpdate,
		SessionID: session.ID,
		State:     session.State,
		Metrics:   session.Metrics,
		At:        time.Now(),
	})
}
