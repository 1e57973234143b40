package feeddb

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/timeline-cache/telemetry"
)

// ReaperConfig holds retention configuration.
type ReaperConfig struct {
	// MarkerRetention is how long viewed markers are kept after they were
	// last touched. Zero means markers are never swept.
	MarkerRetention time.Duration

	// SweepLimit caps how many unreferenced blobs a single pass removes.
	// Zero means no cap.
	SweepLimit int

	// CheckInterval is how often to run retention sweeps.
	// Default is 1 hour.
	CheckInterval time.Duration

	// Logger for sweep events.
	Logger *slog.Logger
}

// DefaultReaperConfig returns a default configuration.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		MarkerRetention: 30 * 24 * time.Hour, // 30 days
		CheckInterval:   1 * time.Hour,
		Logger:          slog.Default(),
	}
}

// Reaper periodically removes viewed markers past their retention window and
// media payloads no record references anymore.
type Reaper struct {
	config ReaperConfig
	db     *DB
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReaper creates a retention reaper over the database.
func NewReaper(db *DB, cfg ReaperConfig) *Reaper {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Reaper{
		config: cfg,
		db:     db,
		logger: cfg.Logger,
		now:    db.now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background retention sweeps.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped || r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for an in-flight pass to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	r.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

// SweepResult contains the results of a retention pass.
type SweepResult struct {
	MarkersRemoved int
	BlobsRemoved   int
	Errors         int
	Duration       time.Duration
}

// RunOnce performs a single retention pass.
func (r *Reaper) RunOnce(ctx context.Context) *SweepResult {
	return r.runOnce(ctx)
}

func (r *Reaper) runOnce(ctx context.Context) *SweepResult {
	start := r.now()
	result := &SweepResult{}

	r.logger.Debug("starting retention sweep")

	if r.config.MarkerRetention > 0 {
		markerStart := r.now()
		cutoff := r.now().Add(-r.config.MarkerRetention)
		removed, err := r.db.DeleteMarkersOlderThan(ctx, "", cutoff)
		if err != nil {
			r.logger.Error("failed to sweep markers", "error", err)
			result.Errors++
		}
		result.MarkersRemoved = removed
		telemetry.RecordReaperCycle(ctx, "markers", removed, r.now().Sub(markerStart))
	}

	blobStart := r.now()
	removed, err := r.db.DeleteUnreferencedBlobs(ctx, r.config.SweepLimit)
	if err != nil {
		r.logger.Error("failed to sweep blobs", "error", err)
		result.Errors++
	}
	result.BlobsRemoved = removed
	telemetry.RecordReaperCycle(ctx, "blobs", removed, r.now().Sub(blobStart))

	result.Duration = r.now().Sub(start)

	if result.MarkersRemoved > 0 || result.BlobsRemoved > 0 {
		r.logger.Info("retention sweep complete",
			"markers_removed", result.MarkersRemoved,
			"blobs_removed", result.BlobsRemoved,
			"duration", result.Duration,
		)
	} else {
		r.logger.Debug("retention sweep complete, nothing to remove")
	}

	return result
}
