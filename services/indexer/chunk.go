package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/chainlens/streaming-indexer/infrastructure/chain"
)

const (
	// defaultChunkFloor is the smallest a chunk may be split to before an
	// overflow response is treated as unrecoverable.
	defaultChunkFloor uint64 = 1000

	// defaultMaxChunkAttempts is the retry budget for a chunk hitting
	// transient errors before it is abandoned.
	defaultMaxChunkAttempts = 5
)

// defaultBaseDelay and defaultMaxDelay are the exponential backoff bounds
// used when a ChunkManagerConfig leaves BaseDelay/MaxDelay at zero.
const (
	defaultBaseDelay = 2 * time.Second
	defaultMaxDelay  = 30 * time.Second
)

// ChunkManagerConfig tunes planning, concurrency and retry for one session.
type ChunkManagerConfig struct {
	ChunkSize       uint64
	ChunkFloor      uint64
	Concurrency     int
	MaxChunkRetries int

	// BaseDelay and MaxDelay bound the exponential backoff applied between
	// retry attempts on a transient fetch error.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultChunkManagerConfig returns the spec's stated defaults.
func DefaultChunkManagerConfig() ChunkManagerConfig {
	return ChunkManagerConfig{
		ChunkSize:       200_000,
		ChunkFloor:      defaultChunkFloor,
		Concurrency:     4,
		MaxChunkRetries: defaultMaxChunkAttempts,
		BaseDelay:       defaultBaseDelay,
		MaxDelay:        defaultMaxDelay,
	}
}

// ChunkManager partitions a session's BlockWindow into Chunks, fetches each
// one through a Fetcher, splits on provider overflow down to a floor, and
// retries transient failures with backoff up to a per-chunk attempt cap.
type ChunkManager struct {
	cfg     ChunkManagerConfig
	fetcher Fetcher

	onSplit func()
	onRetry func()
}

// NewChunkManager builds a manager bound to one chain's Fetcher.
func NewChunkManager(cfg ChunkManagerConfig, fetcher Fetcher) *ChunkManager {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 200_000
	}
	if cfg.ChunkFloor == 0 {
		cfg.ChunkFloor = defaultChunkFloor
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxChunkRetries == 0 {
		cfg.MaxChunkRetries = defaultMaxChunkAttempts
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	return &ChunkManager{cfg: cfg, fetcher: fetcher}
}

// OnSplit registers fn to be called once per overflow-triggered chunk split.
func (m *ChunkManager) OnSplit(fn func()) {
	m.onSplit = fn
}

// OnRetry registers fn to be called once per transient-error retry attempt.
func (m *ChunkManager) OnRetry(fn func()) {
	m.onRetry = fn
}

// Plan splits window into contiguous, non-overlapping chunks of cfg's
// ChunkSize (the final chunk may be smaller). The plan is deterministic:
// the same window always produces the same chunk boundaries, which is what
// lets a session resume mid-way.
func (m *ChunkManager) Plan(window BlockWindow) []*Chunk {
	if window.Empty() {
		return nil
	}

	var chunks []*Chunk
	for from := window.From; from <= window.To; from += m.cfg.ChunkSize {
		to := from + m.cfg.ChunkSize - 1
		if to > window.To {
			to = window.To
		}
		chunks = append(chunks, &Chunk{
			ID:     uuid.NewString(),
			Window: BlockWindow{From: from, To: to},
			Status: ChunkPending,
		})
		if to == window.To {
			break
		}
	}
	return chunks
}

// Execute fetches logs for a chunk, splitting it in half on provider
// overflow (down to cfg.ChunkFloor) and retrying transient errors with
// exponential backoff up to cfg.MaxChunkRetries. It mutates chunk in place
// and returns the terminal error, if any, for the caller to report.
func (m *ChunkManager) Execute(ctx context.Context, address string, chunk *Chunk) error {
	chunk.Status = ChunkFetching

	logs, err := m.fetchWithSplit(ctx, address, chunk.Window, 0)
	if err != nil {
		chunk.Status = ChunkFailed
		chunk.Err = err.Error()
		return err
	}

	chunk.Logs = logs
	chunk.Status = ChunkFetched
	return nil
}

// fetchWithSplit fetches window, and on an overflow error recursively
// fetches the two halves, down to cfg.ChunkFloor. depth bounds recursion to
// a sane ceiling independent of ChunkFloor rounding.
func (m *ChunkManager) fetchWithSplit(ctx context.Context, address string, window BlockWindow, depth int) ([]chain.Log, error) {
	logs, err := m.fetchWithRetry(ctx, address, window)
	if err == nil {
		return logs, nil
	}
	if !chain.IsOverflow(err) {
		return nil, err
	}
	if window.Len() <= m.cfg.ChunkFloor || depth > 32 {
		return nil, fmt.Errorf("overflow at floor window [%d, %d]: %w", window.From, window.To, err)
	}

	if m.onSplit != nil {
		m.onSplit()
	}

	mid := window.From + window.Len()/2
	left := BlockWindow{From: window.From, To: mid - 1}
	right := BlockWindow{From: mid, To: window.To}

	leftLogs, err := m.fetchWithSplit(ctx, address, left, depth+1)
	if err != nil {
		return nil, err
	}
	rightLogs, err := m.fetchWithSplit(ctx, address, right, depth+1)
	if err != nil {
		return nil, err
	}
	return append(leftLogs, rightLogs...), nil
}

// fetchWithRetry fetches window once, retrying transient errors with
// exponential backoff up to cfg.MaxChunkRetries attempts. Overflow errors
// are returned immediately so the caller can split instead of retrying.
func (m *ChunkManager) fetchWithRetry(ctx context.Context, address string, window BlockWindow) ([]chain.Log, error) {
	var logs []chain.Log

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BaseDelay
	bo.MaxInterval = m.cfg.MaxDelay
	bo.MaxElapsedTime = 0
	// The first call is not a retry, so MaxChunkRetries attempts allow one
	// fewer backoff retry.
	retries := m.cfg.MaxChunkRetries - 1
	if retries < 0 {
		retries = 0
	}
	boCtx := backoff.WithMaxRetries(bo, uint64(retries))

	operation := func() error {
		fetched, err := m.fetcher.GetLogs(ctx, address, window.From, window.To)
		if err != nil {
			if chain.IsOverflow(err) || !chain.Classify(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		logs = fetched
		return nil
	}

	notify := func(err error, _ time.Duration) {
		if m.onRetry != nil {
			m.onRetry()
		}
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(boCtx, ctx), notify); err != nil {
		return nil, err
	}
	return logs, nil
}

// ExecuteAll runs Execute over chunks with up to cfg.Concurrency running at
// once. Completion order is not guaranteed; callers reassemble by index
// once ExecuteAll returns. The first chunk to exhaust its retry budget (a
// non-overflow terminal error) cancels the remaining in-flight work.
func (m *ChunkManager) ExecuteAll(ctx context.Context, address string, chunks []*Chunk) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, m.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

chunkLoop:
	for _, c := range chunks {
		c := c
		select {
		case <-ctx.Done():
			break chunkLoop
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := m.Execute(ctx, address, c); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return firstErr
}
