package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"hl-sentinel/internal/exploits"
	"hl-sentinel/internal/fetcher"
	"hl-sentinel/internal/metrics"
	"hl-sentinel/internal/model"
	"hl-sentinel/internal/risk"
	"hl-sentinel/internal/scheduler"
	"hl-sentinel/internal/storage"
)

const (
	sinkTimeout      = 10 * time.Second
	publishedEvents  = 200
	defaultEventRing = 1000
)

// ErrInvalidSeverity is returned for an unknown severity filter.
var ErrInvalidSeverity = errors.New("invalid severity filter")

// VaultView exposes the latest vault snapshot.
type VaultView interface {
	Latest() (model.VaultSnapshot, bool)
}

// OracleView exposes oracle deviation state.
type OracleView interface {
	ActiveDeviations() []model.OracleDeviation
	DeviationHistory(asset string, limit int) []model.OracleDeviation
}

// Options tune the engine.
type Options struct {
	CycleTimeout time.Duration
	LockKey      int64
	EventRing    int
	Cache        exploits.CacheOptions
}

// Option wires an optional collaborator.
type Option func(*Engine)

// WithSink persists detector output.
func WithSink(sink storage.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithPublisher publishes the read model after each cycle.
func WithPublisher(p storage.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLocker guards scheduled cycles with an advisory lock.
func WithLocker(l storage.AdvisoryLocker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithScheduler enables Run.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// WithVaultView backs VaultHealth.
func WithVaultView(v VaultView) Option {
	return func(e *Engine) { e.vault = v }
}

// WithOracleView backs ActiveDeviations and DeviationHistory.
func WithOracleView(o OracleView) Option {
	return func(e *Engine) { e.oracle = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine orchestrates detectors, the exploit cache, sinks and the read accessors.
type Engine struct {
	detectors []Detector
	cache     *exploits.Cache
	events    *eventLog
	flight    singleflight.Group
	logger    zerolog.Logger
	now       func() time.Time

	sink      storage.Sink
	publisher storage.Publisher
	locker    storage.AdvisoryLocker
	scheduler *scheduler.Scheduler
	vault     VaultView
	oracle    OracleView

	cycleTimeout time.Duration
	lockKey      int64

	mu       sync.Mutex
	lastGood map[string][]model.Exploit
}

// New constructs the engine. Stale cache reads trigger PollCycle.
func New(opts Options, logger zerolog.Logger, detectors []Detector, options ...Option) *Engine {
	ring := opts.EventRing
	if ring <= 0 {
		ring = defaultEventRing
	}

	e := &Engine{
		detectors:    append([]Detector(nil), detectors...),
		events:       newEventLog(ring),
		logger:       logger.With().Str("component", "engine").Logger(),
		now:          time.Now,
		cycleTimeout: opts.CycleTimeout,
		lockKey:      opts.LockKey,
		lastGood:     make(map[string][]model.Exploit),
	}
	for _, opt := range options {
		opt(e)
	}
	if opts.Cache.Now == nil {
		opts.Cache.Now = e.now
	}
	e.cache = exploits.NewCache(opts.Cache, e.PollCycle, logger)
	return e
}

// Detectors lists the registered detector names.
func (e *Engine) Detectors() []string {
	names := make([]string, 0, len(e.detectors))
	for _, d := range e.detectors {
		names = append(names, d.Name())
	}
	return names
}

// Run begins the aligned polling loop.
func (e *Engine) Run(ctx context.Context) error {
	if e.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return e.scheduler.Run(ctx, e.ProcessBucket)
}

// ProcessBucket runs one scheduled cycle unless another instance holds the lock.
func (e *Engine) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		e.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return e.PollCycle(ctx)
}

type outcome struct {
	name     string
	result   Result
	err      error
	hasStale bool
}

// PollCycle polls every detector concurrently and folds the results into the
// exploit cache. A failed detector contributes its last good exploits. The
// cycle fails only when no detector produced anything usable.
func (e *Engine) PollCycle(ctx context.Context) error {
	if e.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cycleTimeout)
		defer cancel()
	}

	outcomes := make([]outcome, len(e.detectors))
	var g errgroup.Group
	for i, d := range e.detectors {
		i, d := i, d
		g.Go(func() error {
			outcomes[i] = e.runDetector(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	var (
		failed    []string
		usable    = len(outcomes) == 0
		fresh     []model.Exploit
		succeeded int
	)
	for _, o := range outcomes {
		if o.err != nil {
			failed = append(failed, o.name)
			if o.hasStale {
				usable = true
			}
		} else {
			usable = true
			succeeded++
		}
		fresh = append(fresh, o.result.Exploits...)
	}
	if !usable {
		return fmt.Errorf("poll cycle: all detectors failed (%s)", strings.Join(failed, ", "))
	}

	merged := e.cache.Update(orderBySource(fresh)...)
	now := e.now()

	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	var newEvents int
	for _, o := range outcomes {
		if o.err != nil {
			continue
		}
		newEvents += e.recordEvents(o.result.Events)
		e.persist(sinkCtx, o.result)
	}
	if e.sink != nil {
		if err := e.sink.PersistExploits(sinkCtx, merged); err != nil {
			e.sinkFailed("exploits", err)
		}
	}

	assessment := risk.Assess(e.VaultHealth(), e.ActiveDeviations(), merged, now)
	metrics.RiskScore.Set(assessment.Score)
	metrics.ActiveDeviations.Set(float64(len(e.ActiveDeviations())))
	if snap := e.VaultHealth(); snap != nil {
		metrics.VaultAnomalyScore.Set(snap.AnomalyScore)
	}

	e.publish(sinkCtx, merged, assessment, now)

	e.logger.Info().
		Int("detectors_ok", succeeded).
		Strs("detectors_failed", failed).
		Int("exploits", len(merged)).
		Int("new_events", newEvents).
		Float64("risk_score", assessment.Score).
		Str("risk_level", string(assessment.Level)).
		Msg("poll cycle complete")
	return nil
}

func (e *Engine) runDetector(ctx context.Context, d Detector) outcome {
	name := d.Name()
	start := time.Now()

	v, err, _ := e.flight.Do(name, func() (any, error) {
		res, err := d.Poll(ctx)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		return res, err
	})
	metrics.DetectorDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.DetectorFailures.WithLabelValues(name).Inc()
		e.logFailure(name, err)

		e.mu.Lock()
		stale, ok := e.lastGood[name]
		e.mu.Unlock()
		return outcome{name: name, err: err, result: Result{Exploits: stale}, hasStale: ok}
	}

	res := v.(Result)
	e.mu.Lock()
	e.lastGood[name] = res.Exploits
	e.mu.Unlock()
	return outcome{name: name, result: res}
}

// failureClass separates upstream fetch/parse failures from everything else.
func failureClass(err error) string {
	if fetcher.IsFetchError(err) {
		return "upstream"
	}
	return "internal"
}

func (e *Engine) logFailure(name string, err error) {
	ev := e.logger.Error().Err(err).Str("detector", name).Str("failure", failureClass(err))
	var pe *fetcher.ParseError
	if errors.As(err, &pe) {
		ev = ev.Str("source", pe.Source).Str("payload", pe.Payload)
	}
	ev.Msg("detector poll failed")
}

func (e *Engine) recordEvents(events []model.SecurityEvent) int {
	fresh := e.events.add(events)
	for _, ev := range fresh {
		metrics.EventsEmitted.WithLabelValues(ev.Source, string(ev.Severity)).Inc()
		if ev.Severity.AtLeast(model.SeverityHigh) {
			e.logger.Warn().
				Str("event_id", ev.ID).
				Str("severity", string(ev.Severity)).
				Str("threat_type", string(ev.ThreatType)).
				Str("source", ev.Source).
				Msg(ev.Title)
		}
	}
	return len(fresh)
}

func (e *Engine) persist(ctx context.Context, res Result) {
	if e.sink == nil {
		return
	}
	if res.Snapshot != nil {
		if err := e.sink.PersistSnapshot(ctx, *res.Snapshot); err != nil {
			e.sinkFailed("snapshot", err)
		}
	}
	for _, dev := range res.Deviations {
		if err := e.sink.PersistDeviation(ctx, dev); err != nil {
			e.sinkFailed("deviation", err)
		}
	}
	for _, ev := range res.Events {
		if err := e.sink.PersistEvent(ctx, ev); err != nil {
			e.sinkFailed("event", err)
		}
	}
	for _, p := range res.Patterns {
		if err := e.sink.PersistPattern(ctx, p); err != nil {
			e.sinkFailed("pattern", err)
		}
	}
}

func (e *Engine) publish(ctx context.Context, merged []model.Exploit, assessment risk.Assessment, now time.Time) {
	if e.publisher == nil {
		return
	}
	_, updated := e.cache.Snapshot()
	rm := storage.ReadModel{
		GeneratedAt:      now,
		Exploits:         merged,
		Stats:            exploits.Summarize(merged, updated),
		Vault:            e.VaultHealth(),
		ActiveDeviations: e.ActiveDeviations(),
		Events:           e.mergeEvents(merged, "", publishedEvents),
		Risk:             assessment,
	}
	if err := e.publisher.Publish(ctx, rm); err != nil {
		e.sinkFailed("publish", err)
	}
}

func (e *Engine) sinkFailed(kind string, err error) {
	metrics.SinkErrors.WithLabelValues(kind).Inc()
	e.logger.Error().Err(err).Str("kind", kind).Msg("sink write failed")
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.lockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.lockKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// Exploits returns the merged list filtered by q, refreshing when stale.
func (e *Engine) Exploits(ctx context.Context, q exploits.Query) ([]model.Exploit, error) {
	list, _, err := e.cache.Get(ctx, false)
	if err != nil {
		return nil, err
	}
	return exploits.Filter(list, q, e.now()), nil
}

// Stats summarises the merged list.
func (e *Engine) Stats(ctx context.Context) (exploits.Stats, error) {
	list, updated, err := e.cache.Get(ctx, false)
	if err != nil {
		return exploits.Stats{}, err
	}
	return exploits.Summarize(list, updated), nil
}

// VaultHealth returns the latest vault snapshot, or nil before the first poll.
func (e *Engine) VaultHealth() *model.VaultSnapshot {
	if e.vault == nil {
		return nil
	}
	snap, ok := e.vault.Latest()
	if !ok {
		return nil
	}
	return &snap
}

// ActiveDeviations lists assets currently in a dangerous deviation.
func (e *Engine) ActiveDeviations() []model.OracleDeviation {
	if e.oracle == nil {
		return []model.OracleDeviation{}
	}
	return e.oracle.ActiveDeviations()
}

// DeviationHistory returns up to limit recent records for an asset.
func (e *Engine) DeviationHistory(asset string, limit int) []model.OracleDeviation {
	if e.oracle == nil {
		return []model.OracleDeviation{}
	}
	return e.oracle.DeviationHistory(asset, limit)
}

// SecurityEvents returns detector events together with events re-derived
// from the exploit list, newest first. An empty severity matches all.
func (e *Engine) SecurityEvents(ctx context.Context, severity string, limit int) ([]model.SecurityEvent, error) {
	if severity != "" {
		if _, ok := model.ParseSeverity(severity); !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, severity)
		}
	}

	list, _, err := e.cache.Get(ctx, false)
	if err != nil && !errors.Is(err, exploits.ErrNoData) {
		return nil, err
	}
	return e.mergeEvents(list, severity, limit), nil
}

// mergeEvents joins detector events with events derived from the exploit
// list. Records backed by an exploit carry the severity re-derived from its
// amount and category; detector-only events keep their own.
func (e *Engine) mergeEvents(list []model.Exploit, severity string, limit int) []model.SecurityEvent {
	var want model.Severity
	if severity != "" {
		want, _ = model.ParseSeverity(severity)
	}

	derived := exploits.DeriveEvents(list)
	banded := make(map[string]model.Severity, len(derived))
	for _, ev := range derived {
		banded[ev.ID] = ev.Severity
	}

	seen := make(map[string]bool)
	out := make([]model.SecurityEvent, 0)
	for _, group := range [][]model.SecurityEvent{e.events.all(), derived} {
		for _, ev := range group {
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			if sev, ok := banded[ev.ID]; ok {
				ev.Severity = sev
			}
			if want != "" && ev.Severity != want {
				continue
			}
			out = append(out, ev)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// OverallRisk folds the latest vault health, active deviations and the last
// day of exploits into one assessment.
func (e *Engine) OverallRisk(ctx context.Context) (risk.Assessment, error) {
	list, _, err := e.cache.Get(ctx, false)
	if err != nil && !errors.Is(err, exploits.ErrNoData) {
		return risk.Assessment{}, err
	}
	return risk.Assess(e.VaultHealth(), e.ActiveDeviations(), list, e.now()), nil
}
