// Package audit records every cloud variable change. Entries are shaped by
// configuration, annotated by the rate limiter and the moderation filter,
// and written asynchronously so that auditing never slows a mutation.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"cloudserver/internal/clock"
	"cloudserver/internal/config"
	"cloudserver/pkg/interfaces"
	"cloudserver/pkg/types"
)

const (
	// DefaultQueueSize is the number of entries buffered for the writer.
	DefaultQueueSize = 4096

	cleanupInterval = time.Minute
)

// Options configures a Log.
type Options struct {
	Config     config.MonitoringConfig
	Classifier interfaces.Classifier
	Sinks      []Sink
	Clock      clock.Clock
	Logger     *slog.Logger
	QueueSize  int
}

// Stats counts what the log has done since it was created.
type Stats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Tracked int   `json:"tracked_rate_keys"`
}

// Log is the audit pipeline. It implements interfaces.Auditor.
type Log struct {
	config     config.MonitoringConfig
	limiter    *RateLimiter
	classifier interfaces.Classifier
	sinks      []Sink
	clock      clock.Clock
	logger     *slog.Logger

	queue chan pending
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	fallback rate.Sometimes

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// New creates a Log and starts its writer goroutine. Call Close to drain
// the queue and close the sinks.
func New(opts Options) *Log {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Classifier == nil {
		opts.Classifier = interfaces.AllowAll{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	l := &Log{
		config:     opts.Config,
		limiter:    NewRateLimiter(opts.Config.Limits, opts.Clock),
		classifier: opts.Classifier,
		sinks:      opts.Sinks,
		clock:      opts.Clock,
		logger:     opts.Logger,
		queue:      make(chan pending, opts.QueueSize),
		done:       make(chan struct{}),
		fallback:   rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
	go l.writeLoop()
	return l
}

// LogChange builds, annotates and enqueues an audit entry for change. It
// never blocks: when the writer is behind, the entry is dropped. Moderation
// flags are added by the writer.
func (l *Log) LogChange(change *types.VariableChange) {
	mon := l.config.Monitoring
	if !mon.Enabled || !mon.LogVariableChanges {
		return
	}
	if change.Time.IsZero() {
		change.Time = l.clock.Now()
	}

	entry := buildEntry(change, l.config)

	suspicious := l.limiter.IsSuspicious(change.IP, change.VariableName)
	if suspicious && l.config.Limits.LogSuspiciousActivity {
		entry.Suspicious = true
		entry.Alert = SuspiciousAlert
		l.trackOffender(change)
	}

	if mon.LogFormat == "detailed" {
		l.logger.Info("variable changed",
			"room", change.RoomID,
			"variable", change.VariableName,
			"action", change.Action,
			"user", change.Username,
			"ip", change.IP,
			"suspicious", suspicious)
	}

	l.enqueue(pending{entry: entry, username: change.Username, variable: change.VariableName})
}

// pending is a queued entry plus the identifiers the writer classifies.
type pending struct {
	entry    *types.AuditEntry
	username string
	variable string
}

func (l *Log) trackOffender(change *types.VariableChange) {
	threshold := l.config.Limits.SuspiciousThreshold
	if threshold <= 0 {
		return
	}
	if count := l.limiter.Flag(change.IP); count == threshold {
		l.logger.Warn("repeated suspicious activity",
			"ip", change.IP,
			"room", change.RoomID,
			"events", count,
			"window", historyRetention)
	}
}

func (l *Log) enqueue(p pending) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.queue <- p:
	default:
		l.dropped.Add(1)
		l.fallback.Do(func() {
			l.logger.Warn("audit queue full, dropping entry", "dropped_total", l.dropped.Load())
		})
	}
}

func (l *Log) writeLoop() {
	defer close(l.done)
	for p := range l.queue {
		entry := p.entry
		if l.classifier.Classify(p.username) || l.classifier.Classify(p.variable) {
			entry.Flagged = true
		}
		for _, sink := range l.sinks {
			if err := sink.Write(entry); err != nil {
				l.failed.Add(1)
				l.fallback.Do(func() {
					l.logger.Error("audit sink write failed", "error", err)
				})
			}
		}
		l.written.Add(1)
	}
}

// Cleanup drops rate limiting history past its retention horizon.
func (l *Log) Cleanup() {
	l.limiter.Cleanup()
}

// Start runs Cleanup and sink retention every minute until ctx is
// cancelled. It blocks; run it in its own goroutine.
func (l *Log) Start(ctx context.Context) {
	ticker := l.clock.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
			l.prune(l.clock.Now())
		}
	}
}

func (l *Log) prune(now time.Time) {
	for _, sink := range l.sinks {
		pruner, ok := sink.(Pruner)
		if !ok {
			continue
		}
		if err := pruner.Prune(now); err != nil {
			l.logger.Warn("audit retention failed", "error", err)
		}
	}
}

// Stats returns counters for monitoring.
func (l *Log) Stats() Stats {
	return Stats{
		Written: l.written.Load(),
		Dropped: l.dropped.Load(),
		Failed:  l.failed.Load(),
		Tracked: l.limiter.Tracked(),
	}
}

// Close stops accepting entries, waits for queued ones to be written and
// closes every sink. It is safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done

	var firstErr error
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
