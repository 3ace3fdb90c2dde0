package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hl-sentinel/internal/exploits"
	"hl-sentinel/internal/feeds"
	"hl-sentinel/internal/fetcher"
	"hl-sentinel/internal/liquidation"
	"hl-sentinel/internal/model"
	"hl-sentinel/internal/oracle"
	"hl-sentinel/internal/risk"
	"hl-sentinel/internal/storage"
	"hl-sentinel/internal/vault"
)

var now = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type fakeDetector struct {
	name    string
	result  Result
	err     error
	calls   int32
	release chan struct{}
}

func (f *fakeDetector) Name() string { return f.name }

func (f *fakeDetector) Poll(ctx context.Context) (Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return f.result, f.err
}

type recordingSink struct {
	mu         sync.Mutex
	fail       bool
	snapshots  int
	deviations int
	events     int
	patterns   int
	exploits   int
}

func (s *recordingSink) record(counter *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*counter++
	if s.fail {
		return errors.New("database unavailable")
	}
	return nil
}

func (s *recordingSink) PersistSnapshot(context.Context, model.VaultSnapshot) error {
	return s.record(&s.snapshots)
}

func (s *recordingSink) PersistDeviation(context.Context, model.OracleDeviation) error {
	return s.record(&s.deviations)
}

func (s *recordingSink) PersistEvent(context.Context, model.SecurityEvent) error {
	return s.record(&s.events)
}

func (s *recordingSink) PersistPattern(context.Context, model.LiquidationPattern) error {
	return s.record(&s.patterns)
}

func (s *recordingSink) PersistExploits(_ context.Context, list []model.Exploit) error {
	s.mu.Lock()
	s.exploits = len(list)
	s.mu.Unlock()
	if s.fail {
		return errors.New("database unavailable")
	}
	return nil
}

type recordingPublisher struct {
	last *storage.ReadModel
}

func (p *recordingPublisher) Publish(_ context.Context, rm storage.ReadModel) error {
	p.last = &rm
	return nil
}

type staticVault struct{ snap *model.VaultSnapshot }

func (v staticVault) Latest() (model.VaultSnapshot, bool) {
	if v.snap == nil {
		return model.VaultSnapshot{}, false
	}
	return *v.snap, true
}

type staticOracle struct{ active []model.OracleDeviation }

func (o staticOracle) ActiveDeviations() []model.OracleDeviation { return o.active }

func (o staticOracle) DeviationHistory(asset string, limit int) []model.OracleDeviation {
	var out []model.OracleDeviation
	for _, d := range o.active {
		if d.Asset == asset {
			out = append(out, d)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

type stubLocker struct {
	acquired bool
	calls    int
}

func (l *stubLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	l.calls++
	return func() {}, l.acquired, nil
}

func exploitFrom(source, tx string, amount int64, age time.Duration) model.Exploit {
	return model.Exploit{
		TxHash:    tx,
		Chain:     "Hyperliquid",
		Protocol:  "HLP Vault",
		AmountUSD: decimal.NewFromInt(amount),
		Timestamp: now.Add(-age),
		Source:    source,
		Category:  "vault_exploitation",
	}
}

func newEngine(detectors []Detector, opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return New(Options{CycleTimeout: 5 * time.Second}, zerolog.Nop(), detectors, opts...)
}

func TestPollCycleIsolatesDetectorFailures(t *testing.T) {
	ok := &fakeDetector{name: vault.Source, result: Result{Exploits: []model.Exploit{exploitFrom(vault.Source, "0x1", 2_000_000, time.Hour)}}}
	broken := &fakeDetector{name: oracle.Source, err: errors.New("binance timeout")}

	e := newEngine([]Detector{ok, broken})
	require.NoError(t, e.PollCycle(context.Background()))

	list, err := e.Exploits(context.Background(), exploits.Query{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "0x1", list[0].ID)
}

func TestPollCycleFailsOnlyWhenNothingUsable(t *testing.T) {
	a := &fakeDetector{name: "a", err: errors.New("down")}
	b := &fakeDetector{name: "b", err: errors.New("down")}

	e := newEngine([]Detector{a, b})
	require.Error(t, e.PollCycle(context.Background()))

	_, err := e.Exploits(context.Background(), exploits.Query{})
	require.ErrorIs(t, err, exploits.ErrNoData)

	a.err = nil
	a.result = Result{Exploits: []model.Exploit{exploitFrom("a", "0xa", 1, time.Minute)}}
	require.NoError(t, e.PollCycle(context.Background()))

	a.err = errors.New("down again")
	require.NoError(t, e.PollCycle(context.Background()), "stale contribution keeps the cycle usable")
}

func TestMergePrefersExchangeFeedOverLaterSources(t *testing.T) {
	fromVault := exploitFrom(vault.Source, "0xdup", 5, time.Hour)
	fromVault.Description = "vault view"
	fromAPI := exploitFrom(liquidation.APISource, "0xdup", 5, time.Hour)
	fromAPI.Description = "exchange view"

	e := newEngine([]Detector{
		&fakeDetector{name: vault.Source, result: Result{Exploits: []model.Exploit{fromVault}}},
		&fakeDetector{name: liquidation.Source, result: Result{Exploits: []model.Exploit{fromAPI}}},
	})
	require.NoError(t, e.PollCycle(context.Background()))

	list, err := e.Exploits(context.Background(), exploits.Query{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "exchange view", list[0].Description)
}

func TestConcurrentStaleReadsPollEachDetectorOnce(t *testing.T) {
	d := &fakeDetector{
		name:    vault.Source,
		release: make(chan struct{}),
		result:  Result{Exploits: []model.Exploit{exploitFrom(vault.Source, "0x1", 1, time.Minute)}},
	}
	e := newEngine([]Detector{d})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Exploits(context.Background(), exploits.Query{})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(d.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&d.calls))
}

func TestSinkFailuresDoNotAbortDetection(t *testing.T) {
	snap := model.VaultSnapshot{Timestamp: now, AnomalyScore: 10, Healthy: true}
	ev := model.SecurityEvent{ID: "hlp-1", Timestamp: now, Severity: model.SeverityHigh, Source: vault.Source}
	d := &fakeDetector{name: vault.Source, result: Result{
		Snapshot:   &snap,
		Deviations: []model.OracleDeviation{{Asset: "BTC"}, {Asset: "ETH"}},
		Events:     []model.SecurityEvent{ev},
		Patterns:   []model.LiquidationPattern{{ID: "liq-1"}},
		Exploits:   []model.Exploit{exploitFrom(vault.Source, "0x1", 1, time.Minute)},
	}}

	sink := &recordingSink{fail: true}
	e := newEngine([]Detector{d}, WithSink(sink))
	require.NoError(t, e.PollCycle(context.Background()))

	assert.Equal(t, 1, sink.snapshots)
	assert.Equal(t, 2, sink.deviations)
	assert.Equal(t, 1, sink.events)
	assert.Equal(t, 1, sink.patterns)
	assert.Equal(t, 1, sink.exploits)

	events, err := e.SecurityEvents(context.Background(), "", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestPublishesReadModel(t *testing.T) {
	snap := model.VaultSnapshot{Timestamp: now, AnomalyScore: 80}
	pub := &recordingPublisher{}
	e := newEngine(
		[]Detector{&fakeDetector{name: vault.Source, result: Result{Exploits: []model.Exploit{exploitFrom(vault.Source, "0x1", 1, time.Minute)}}}},
		WithPublisher(pub),
		WithVaultView(staticVault{snap: &snap}),
	)
	require.NoError(t, e.PollCycle(context.Background()))

	require.NotNil(t, pub.last)
	assert.Len(t, pub.last.Exploits, 1)
	assert.Equal(t, 1, pub.last.Stats.TotalExploits)
	require.NotNil(t, pub.last.Vault)
	assert.Equal(t, 80.0, pub.last.Vault.AnomalyScore)
	assert.InDelta(t, 42, pub.last.Risk.Score, 1e-9)
}

func TestSecurityEventsUnionFilterAndLimit(t *testing.T) {
	native := model.SecurityEvent{ID: "hlp-native", Timestamp: now.Add(-time.Minute), Severity: model.SeverityCritical, Source: vault.Source}
	big := exploitFrom(vault.Source, "0xbig", 6_000_000, 2*time.Hour)
	small := exploitFrom(oracle.Source, "0xsmall", 10, 3*time.Hour)
	small.Category = "rounding"

	e := newEngine([]Detector{&fakeDetector{name: vault.Source, result: Result{
		Events:   []model.SecurityEvent{native},
		Exploits: []model.Exploit{big, small},
	}}})
	require.NoError(t, e.PollCycle(context.Background()))

	all, err := e.SecurityEvents(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "hlp-native", all[0].ID)
	assert.Equal(t, "0xbig", all[1].ID)
	assert.Equal(t, "0xsmall", all[2].ID)

	crit, err := e.SecurityEvents(context.Background(), "CRITICAL", 0)
	require.NoError(t, err)
	require.Len(t, crit, 2)

	limited, err := e.SecurityEvents(context.Background(), "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	medium, err := e.SecurityEvents(context.Background(), "medium", 10)
	require.NoError(t, err)
	require.Len(t, medium, 1)
	assert.Equal(t, "0xsmall", medium[0].ID)

	_, err = e.SecurityEvents(context.Background(), "urgent", 10)
	require.ErrorIs(t, err, ErrInvalidSeverity)
}

func TestOverallRiskCombinesViews(t *testing.T) {
	snap := model.VaultSnapshot{Timestamp: now, AnomalyScore: 80}
	devs := []model.OracleDeviation{{Asset: "BTC", RiskScore: 90}}
	e := newEngine(
		[]Detector{&fakeDetector{name: vault.Source, result: Result{Exploits: []model.Exploit{
			exploitFrom(vault.Source, "0x1", 1, time.Hour),
			exploitFrom(vault.Source, "0x2", 1, 2*time.Hour),
			exploitFrom(vault.Source, "0x3", 1, 3*time.Hour),
			exploitFrom(vault.Source, "0x4", 1, 25*time.Hour),
		}}}},
		WithVaultView(staticVault{snap: &snap}),
		WithOracleView(staticOracle{active: devs}),
	)

	a, err := e.OverallRisk(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 89, a.Score, 1e-9)
	assert.Equal(t, risk.LevelCritical, a.Level)

	assert.Len(t, e.ActiveDeviations(), 1)
	assert.Len(t, e.DeviationHistory("BTC", 5), 1)
	require.NotNil(t, e.VaultHealth())
}

func TestOverallRiskWithoutDataIsLow(t *testing.T) {
	e := newEngine(nil)
	a, err := e.OverallRisk(context.Background())
	require.NoError(t, err)
	assert.Equal(t, risk.LevelLow, a.Level)
	assert.Nil(t, e.VaultHealth())
	assert.Empty(t, e.ActiveDeviations())
}

func TestProcessBucketRespectsAdvisoryLock(t *testing.T) {
	d := &fakeDetector{name: vault.Source}
	locker := &stubLocker{}
	e := New(Options{LockKey: 42}, zerolog.Nop(), []Detector{d}, WithLocker(locker))

	require.NoError(t, e.ProcessBucket(context.Background(), now))
	assert.Equal(t, 1, locker.calls)
	assert.Zero(t, atomic.LoadInt32(&d.calls))

	locker.acquired = true
	require.NoError(t, e.ProcessBucket(context.Background(), now))
	assert.Equal(t, int32(1), atomic.LoadInt32(&d.calls))
}

func TestRunWithoutScheduler(t *testing.T) {
	assert.Error(t, newEngine(nil).Run(context.Background()))
}

func TestStatsSummarisesCache(t *testing.T) {
	e := newEngine([]Detector{&fakeDetector{name: vault.Source, result: Result{Exploits: []model.Exploit{
		exploitFrom(vault.Source, "0x1", 2_000_000, time.Hour),
	}}}})
	st, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalExploits)
	assert.Equal(t, 2_000_000.0, st.TotalLossUSD)
	assert.Equal(t, []string{vault.Source}, e.Detectors())
}

type fixedPortfolio struct{ points []feeds.PortfolioPoint }

func (p fixedPortfolio) VaultPortfolio(context.Context, string) ([]feeds.PortfolioPoint, error) {
	return p.points, nil
}

func TestSustainedVaultLossDoesNotAccumulate(t *testing.T) {
	clock := now
	tick := func() time.Time { return clock }
	portfolio := fixedPortfolio{points: []feeds.PortfolioPoint{
		{Time: now.Add(-23 * time.Hour), Value: 10_000_000},
		{Time: now.Add(-2 * time.Hour), Value: 7_500_000},
	}}
	mon := vault.NewMonitor(vault.Config{Address: "0xdfc24b077bc1425ad1dea75bcb6f8158e10df303"}, portfolio, zerolog.Nop(), vault.WithClock(tick))
	e := New(Options{CycleTimeout: 5 * time.Second}, zerolog.Nop(), []Detector{NewVaultDetector(mon)},
		WithClock(tick), WithVaultView(mon))

	var first exploits.Stats
	for i := 0; i < 5; i++ {
		require.NoError(t, e.PollCycle(context.Background()))
		stats, err := e.Stats(context.Background())
		require.NoError(t, err)
		if i == 0 {
			first = stats
		}
		assert.Equal(t, first.TotalExploits, stats.TotalExploits, "poll %d", i)
		assert.InDelta(t, 2_500_000, stats.TotalLossUSD, 1e-6, "poll %d", i)
		clock = clock.Add(time.Minute)
	}
	assert.Positive(t, first.TotalExploits)
}

func TestSecurityEventsUseBandedSeverityForExploits(t *testing.T) {
	loss := exploitFrom(vault.Source, "hlp-loss", 2_500_000, time.Minute)
	native := model.SecurityEvent{ID: "hlp-loss", Timestamp: loss.Timestamp, Severity: model.SeverityCritical, Source: vault.Source}
	zscore := model.SecurityEvent{ID: "hlp-zscore", Timestamp: now.Add(-2 * time.Minute), Severity: model.SeverityMedium, Source: vault.Source}

	e := newEngine([]Detector{&fakeDetector{name: vault.Source, result: Result{
		Events:   []model.SecurityEvent{native, zscore},
		Exploits: []model.Exploit{loss},
	}}})
	require.NoError(t, e.PollCycle(context.Background()))

	high, err := e.SecurityEvents(context.Background(), "high", 0)
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "hlp-loss", high[0].ID)

	crit, err := e.SecurityEvents(context.Background(), "critical", 0)
	require.NoError(t, err)
	assert.Empty(t, crit)

	medium, err := e.SecurityEvents(context.Background(), "medium", 0)
	require.NoError(t, err)
	require.Len(t, medium, 1)
	assert.Equal(t, "hlp-zscore", medium[0].ID)
}

func TestDetectorParseFailureLogsPayload(t *testing.T) {
	var buf bytes.Buffer
	perr := fetcher.NewParseError("vaultDetails", []byte(`{"unexpected":true}`), errors.New("missing portfolio"))
	d := &fakeDetector{name: vault.Source, err: fmt.Errorf("poll vault: %w", perr)}

	e := New(Options{}, zerolog.New(&buf), []Detector{d})
	require.Error(t, e.PollCycle(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"failure":"upstream"`)
	assert.Contains(t, out, `"source":"vaultDetails"`)
	assert.Contains(t, out, `"payload":"{\"unexpected\":true}"`)
}

func TestFailureClass(t *testing.T) {
	assert.Equal(t, "upstream", failureClass(&fetcher.FetchError{URL: "https://api.example", Err: errors.New("timeout")}))
	assert.Equal(t, "upstream", failureClass(fmt.Errorf("wrap: %w", fetcher.NewParseError("mids", nil, errors.New("bad")))))
	assert.Equal(t, "internal", failureClass(errors.New("boom")))
}
