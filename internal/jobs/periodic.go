package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Reporter is the subset of Metrics a job reports to.
type Reporter interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
	SetLastSuccess(jobType string, at time.Time)
}

// Default periodic job values.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 30 * time.Second
)

// Config configures a Periodic job.
type Config struct {
	// JobType labels metrics and logs (e.g., JobTypeBucketClose).
	JobType string
	// Interval is the duration between cycles.
	Interval time.Duration
	// Timeout bounds each cycle.
	Timeout time.Duration
	// Logger for job activity.
	Logger *slog.Logger
	// Reporter for centralized job metrics. Optional.
	Reporter Reporter
}

// CycleFunc performs one cycle of work. It must honour ctx cancellation.
type CycleFunc func(ctx context.Context) error

// Periodic runs a CycleFunc on a ticker until stopped.
type Periodic struct {
	config Config
	cycle  CycleFunc

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPeriodic creates a periodic job.
func NewPeriodic(config Config, cycle CycleFunc) *Periodic {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Periodic{config: config, cycle: cycle}
}

// Start begins the periodic job.
// Returns immediately; the job runs in a background goroutine.
func (p *Periodic) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.run(ctx)
	return nil
}

// Stop signals the job to stop and waits for the current cycle to finish.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()

	close(stopCh)
	<-doneCh

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (p *Periodic) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Periodic) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.config.Logger.Info("job stopping due to context cancellation", "job_type", p.config.JobType)
			return
		case <-p.stopCh:
			p.config.Logger.Info("job stopping due to stop signal", "job_type", p.config.JobType)
			return
		case <-ticker.C:
			_ = p.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single cycle immediately with the configured timeout and records metrics.
func (p *Periodic) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, p.config.Timeout)
	defer cancel()

	start := time.Now()
	err := p.cycle(ctx)
	duration := time.Since(start).Seconds()

	status := StatusSuccess
	if err != nil {
		status = StatusFailure
		errorType := ErrorTypeCycle
		if errors.Is(err, context.DeadlineExceeded) {
			errorType = ErrorTypeTimeout
		}
		p.config.Logger.Error("job cycle failed",
			"job_type", p.config.JobType,
			"error", err,
			"duration_seconds", duration)
		if p.config.Reporter != nil {
			p.config.Reporter.IncJobErrors(p.config.JobType, errorType)
		}
	}
	if p.config.Reporter != nil {
		p.config.Reporter.IncJobsTotal(p.config.JobType, status)
		p.config.Reporter.ObserveJobDuration(p.config.JobType, duration)
		if err == nil {
			p.config.Reporter.SetLastSuccess(p.config.JobType, time.Now())
		}
	}
	return err
}
