// Package liveness runs the periodic sweep that finalises rooms which broke
// their timing rules: pending rooms that never went live and live rooms
// whose media went quiet. Per-room grace timers do not survive restarts;
// the sweep is the durable backstop.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"liveroom/internal/clock"
	"liveroom/internal/models"
	"liveroom/internal/observability/metrics"
	"liveroom/internal/storage"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval         = 30 * time.Second
	DefaultSilenceThreshold = 60 * time.Second
	defaultConcurrency      = 4

	// Reason labels for skipped sweeps.
	skipOverlap = "overlap"
	skipLease   = "lease"
)

// Lifecycle is the subset of lifecycle.Service the sweep drives.
type Lifecycle interface {
	List(ctx context.Context, filter storage.RoomFilter) ([]models.Room, error)
	ExpirePending(ctx context.Context, roomID string, cutoff time.Time) (bool, error)
	EndIfSilent(ctx context.Context, roomID string, silence storage.Silence) (bool, error)
}

// Lease grants one replica the right to sweep for ttl.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
}

// Config configures a Supervisor.
type Config struct {
	Lifecycle        Lifecycle
	Clock            clock.Clock
	GraceWindow      time.Duration
	SilenceThreshold time.Duration
	Interval         time.Duration
	Concurrency      int
	Lease            Lease
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
}

// Supervisor owns the sweep loop.
type Supervisor struct {
	lifecycle   Lifecycle
	clock       clock.Clock
	grace       time.Duration
	silence     time.Duration
	interval    time.Duration
	concurrency int
	lease       Lease
	logger      *slog.Logger
	metrics     *metrics.Recorder

	running atomic.Bool
}

// Result summarises one sweep.
type Result struct {
	Deleted int
	Ended   int
	Failed  int
	Skipped bool
}

func New(cfg Config) (*Supervisor, error) {
	if cfg.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle is required")
	}
	if cfg.GraceWindow <= 0 {
		return nil, fmt.Errorf("grace window must be positive")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.System()
	}
	silence := cfg.SilenceThreshold
	if silence <= 0 {
		silence = DefaultSilenceThreshold
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		lifecycle:   cfg.Lifecycle,
		clock:       c,
		grace:       cfg.GraceWindow,
		silence:     silence,
		interval:    interval,
		concurrency: concurrency,
		lease:       cfg.Lease,
		logger:      logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Interval returns the sweep period.
func (s *Supervisor) Interval() time.Duration {
	return s.interval
}

// Sweep runs one scan. A call made while another sweep is in progress
// returns immediately with Skipped set. Per-room failures are counted and
// logged; those rooms are retried on the next sweep.
func (s *Supervisor) Sweep(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.SweepSkipped(skipOverlap)
		s.logger.Debug("sweep already running, skipping")
		return Result{Skipped: true}, nil
	}
	defer s.running.Store(false)

	if s.lease != nil {
		held, err := s.lease.Acquire(ctx, s.leaseTTL())
		switch {
		case err != nil:
			s.logger.Warn("sweep lease unavailable, sweeping locally", "error", err)
		case !held:
			s.metrics.SweepSkipped(skipLease)
			s.logger.Debug("another replica holds the sweep lease")
			return Result{Skipped: true}, nil
		}
	}

	started := time.Now()
	defer func() { s.metrics.ObserveSweep(time.Since(started)) }()

	now := s.clock.Now()
	var deleted, ended, failed atomic.Int64
	var listErrs []error

	pending, err := s.lifecycle.List(ctx, storage.RoomFilter{
		Statuses: []models.RoomStatus{models.RoomPending},
		Where:    storage.Condition{CreatedBefore: now.Add(-s.grace)},
	})
	if err != nil {
		listErrs = append(listErrs, fmt.Errorf("list stale pending rooms: %w", err))
	}
	silence := storage.Silence{
		LastMediaBefore: now.Add(-s.silence),
		StartedBefore:   now.Add(-s.grace),
	}
	silent, err := s.lifecycle.List(ctx, storage.RoomFilter{
		Statuses: []models.RoomStatus{models.RoomLive},
		Where:    storage.Condition{MediaInactive: true, Silent: &silence},
	})
	if err != nil {
		listErrs = append(listErrs, fmt.Errorf("list silent live rooms: %w", err))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	cutoff := now.Add(-s.grace)
	for _, room := range pending {
		roomID := room.ID
		group.Go(func() error {
			removed, err := s.lifecycle.ExpirePending(groupCtx, roomID, cutoff)
			switch {
			case err != nil:
				failed.Add(1)
				s.logger.Warn("expire pending room failed", "room_id", roomID, "error", err)
			case removed:
				deleted.Add(1)
			}
			return nil
		})
	}
	for _, room := range silent {
		roomID := room.ID
		group.Go(func() error {
			stopped, err := s.lifecycle.EndIfSilent(groupCtx, roomID, silence)
			switch {
			case err != nil:
				failed.Add(1)
				s.logger.Warn("end silent room failed", "room_id", roomID, "error", err)
			case stopped:
				ended.Add(1)
			}
			return nil
		})
	}
	_ = group.Wait()

	result := Result{Deleted: int(deleted.Load()), Ended: int(ended.Load()), Failed: int(failed.Load())}
	if result.Deleted > 0 || result.Ended > 0 || result.Failed > 0 {
		s.logger.Info("liveness sweep finished", "deleted", result.Deleted, "ended", result.Ended, "failed", result.Failed)
	}
	return result, errors.Join(listErrs...)
}

func (s *Supervisor) leaseTTL() time.Duration {
	return s.interval * 4 / 5
}

// Ticker is the subset of time.Ticker the loop uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// TickerFactory builds the ticker driving the loop.
type TickerFactory func(time.Duration) Ticker

// Start runs a sweep every interval until ctx is cancelled or the returned
// stop function is called. stop waits for an in-flight sweep to return.
func (s *Supervisor) Start(ctx context.Context) func() {
	return s.StartWithTicker(ctx, func(d time.Duration) Ticker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func (s *Supervisor) StartWithTicker(ctx context.Context, newTicker TickerFactory) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(s.interval)
	done := make(chan struct{})
	var inflight sync.WaitGroup
	go func() {
		defer func() {
			ticker.Stop()
			inflight.Wait()
			close(done)
		}()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C():
				inflight.Add(1)
				go func() {
					defer inflight.Done()
					sweepCtx, sweepCancel := context.WithTimeout(loopCtx, s.interval)
					defer sweepCancel()
					if _, err := s.Sweep(sweepCtx); err != nil {
						s.logger.Error("liveness sweep failed", "error", err)
					}
				}()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
