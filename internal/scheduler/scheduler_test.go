package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/config"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/database"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/inventory"
)

type stubPipeline struct {
	mu          sync.Mutex
	enumCalls   []string
	probeCalls  [][]string
	vulnCalls   [][]string
	enumOut     map[string]*inventory.EnumOutcome
	enumErr     map[string]error
	probeRows   []*database.ProbeRow
	vulnOut     *inventory.FindingsOutcome
	stageDelay  time.Duration
}

func newStubPipeline() *stubPipeline {
	return &stubPipeline{
		enumOut: make(map[string]*inventory.EnumOutcome),
		enumErr: make(map[string]error),
	}
}

func (p *stubPipeline) RunEnumeration(_ context.Context, target string) (*database.ScanRecord, *inventory.EnumOutcome, error) {
	p.mu.Lock()
	p.enumCalls = append(p.enumCalls, target)
	p.mu.Unlock()
	if p.stageDelay > 0 {
		time.Sleep(p.stageDelay)
	}
	if err := p.enumErr[target]; err != nil {
		return nil, nil, err
	}
	out := p.enumOut[target]
	if out == nil {
		out = &inventory.EnumOutcome{}
	}
	return &database.ScanRecord{ID: "enum-" + target}, out, nil
}

func (p *stubPipeline) RunProbe(_ context.Context, _ string, hosts []string) (*database.ScanRecord, []*database.ProbeRow, error) {
	p.mu.Lock()
	p.probeCalls = append(p.probeCalls, hosts)
	p.mu.Unlock()
	return &database.ScanRecord{}, p.probeRows, nil
}

func (p *stubPipeline) RunVulnScan(_ context.Context, _ string, urls []string) (*database.ScanRecord, *inventory.FindingsOutcome, error) {
	p.mu.Lock()
	p.vulnCalls = append(p.vulnCalls, urls)
	p.mu.Unlock()
	out := p.vulnOut
	if out == nil {
		out = &inventory.FindingsOutcome{}
	}
	return &database.ScanRecord{}, out, nil
}

type stubSink struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (s *stubSink) Send(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, message)
	return nil
}

func (s *stubSink) SendFile(message, _ string) error { return s.Send(message) }

func (s *stubSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func setup(t *testing.T) (*database.DB, *stubPipeline, *stubSink, *Loop) {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pipe := newStubPipeline()
	sink := &stubSink{}
	return db, pipe, sink, NewLoop(db, pipe, sink)
}

func enableTarget(t *testing.T, db *database.DB, domain string, nuclei bool) int64 {
	t.Helper()
	id, err := db.UpsertTarget(domain)
	require.NoError(t, err)
	require.NoError(t, db.SetTargetSchedulerEnabled(id, true))
	if nuclei {
		require.NoError(t, db.SetTargetNucleiEnabled(id, true))
	}
	return id
}

func waitPass(t *testing.T, l *Loop) {
	t.Helper()
	require.Eventually(t, func() bool { return !l.Status().Running }, 5*time.Second, 5*time.Millisecond)
}

func TestPassChainsStages(t *testing.T) {
	db, pipe, sink, loop := setup(t)
	enableTarget(t, db, "example.com", true)

	pipe.enumOut["example.com"] = &inventory.EnumOutcome{
		Total:         5,
		NewSubdomains: []string{"a.example.com", "b.example.com"},
	}
	pipe.probeRows = []*database.ProbeRow{
		{URL: "https://a.example.com", StatusCode: 200, ChangeStatus: "new"},
	}
	pipe.vulnOut = &inventory.FindingsOutcome{Total: 3, New: 1}

	require.True(t, loop.Trigger(context.Background()))
	waitPass(t, loop)

	assert.Equal(t, []string{"example.com"}, pipe.enumCalls)
	require.Len(t, pipe.probeCalls, 1)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, pipe.probeCalls[0])
	require.Len(t, pipe.vulnCalls, 1)
	assert.Equal(t, []string{"https://a.example.com"}, pipe.vulnCalls[0])

	logs, err := db.ListSchedulerLogs(0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, database.SchedRunCompleted, logs[0].Status)
	assert.Equal(t, 5, logs[0].SubdomainsTotal)
	assert.Equal(t, 2, logs[0].SubdomainsNew)
	assert.Equal(t, 1, logs[0].LiveHosts)
	assert.Equal(t, 3, logs[0].FindingsCount)

	// Default notify mode is new_only and there were new subdomains
	messages := sink.all()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "example.com")
	assert.Contains(t, messages[0], "2 new")

	// Pass completion is persisted as the new last run
	assert.NotEqual(t, "", db.GetSetting("scheduler_last_run"))
}

func TestNoProbeWithoutNewSubdomains(t *testing.T) {
	db, pipe, sink, loop := setup(t)
	enableTarget(t, db, "example.com", true)

	pipe.enumOut["example.com"] = &inventory.EnumOutcome{Total: 5}

	require.True(t, loop.Trigger(context.Background()))
	waitPass(t, loop)

	assert.Empty(t, pipe.probeCalls)
	assert.Empty(t, pipe.vulnCalls)
	// new_only mode: nothing new, no notification
	assert.Empty(t, sink.all())
}

func TestNotifyAlwaysMode(t *testing.T) {
	db, pipe, sink, loop := setup(t)
	enableTarget(t, db, "example.com", false)
	require.NoError(t, db.SetSetting("scheduler_notify_mode", config.NotifyAlways))

	pipe.enumOut["example.com"] = &inventory.EnumOutcome{Total: 5}

	require.True(t, loop.Trigger(context.Background()))
	waitPass(t, loop)

	require.Len(t, sink.all(), 1)
}

func TestThresholdGatesVulnScan(t *testing.T) {
	db, pipe, sink, loop := setup(t)
	enableTarget(t, db, "example.com", true)
	require.NoError(t, db.SetSetting("nuclei_max_new_threshold", "2"))

	newSubs := []string{"a.example.com", "b.example.com", "c.example.com"}
	pipe.enumOut["example.com"] = &inventory.EnumOutcome{Total: 3, NewSubdomains: newSubs}
	pipe.probeRows = []*database.ProbeRow{
		{URL: "https://a.example.com", StatusCode: 200},
	}

	require.True(t, loop.Trigger(context.Background()))
	waitPass(t, loop)

	// Enumeration and probe ran, the vulnerability stage was gated off
	assert.Len(t, pipe.enumCalls, 1)
	assert.Len(t, pipe.probeCalls, 1)
	assert.Empty(t, pipe.vulnCalls)

	messages := sink.all()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "threshold")
}

func TestNucleiDisabledTargetSkipsVulnScan(t *testing.T) {
	db, pipe, _, loop := setup(t)
	enableTarget(t, db, "example.com", false)

	pipe.enumOut["example.com"] = &inventory.EnumOutcome{Total: 1, NewSubdomains: []string{"a.example.com"}}
	pipe.probeRows = []*database.ProbeRow{{URL: "https://a.example.com", StatusCode: 200}}

	require.True(t, loop.Trigger(context.Background()))
	waitPass(t, loop)

	assert.Len(t, pipe.probeCalls, 1)
	assert.Empty(t, pipe.vulnCalls)
}

func TestEnumFailureDoesNotAbortPass(t *testing.T) {
	db, pipe, _, loop := setup(t)
	enableTarget(t, db, "broken.com", false)
	enableTarget(t, db, "ok.com", false)
	// broken.com has the older last_scan_date so it runs first
	brokenID, err := db.UpsertTarget("broken.com")
	require.NoError(t, err)
	okID, err := db.UpsertTarget("ok.com")
	require.NoError(t, err)
	require.NoError(t, db.TouchTarget(brokenID, 100))
	require.NoError(t, db.TouchTarget(okID, 200))

	pipe.enumErr["broken.com"] = errors.New("resolver offline")
	pipe.enumOut["ok.com"] = &inventory.EnumOutcome{Total: 1}

	require.True(t, loop.Trigger(context.Background()))
	waitPass(t, loop)

	assert.Equal(t, []string{"broken.com", "ok.com"}, pipe.enumCalls)

	logs, err := db.ListSchedulerLogs(0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	byDomain := map[string]*database.SchedulerLog{}
	for _, l := range logs {
		byDomain[l.Domain] = l
	}
	assert.Equal(t, database.SchedRunFailed, byDomain["broken.com"].Status)
	assert.Equal(t, "resolver offline", byDomain["broken.com"].ErrorMessage)
	assert.Equal(t, database.SchedRunCompleted, byDomain["ok.com"].Status)
}

func TestOverlappingTriggerSkipped(t *testing.T) {
	db, pipe, _, loop := setup(t)
	enableTarget(t, db, "example.com", false)
	pipe.stageDelay = 200 * time.Millisecond

	require.True(t, loop.Trigger(context.Background()))
	require.Eventually(t, func() bool { return loop.Status().Running }, time.Second, time.Millisecond)

	assert.False(t, loop.Trigger(context.Background()))
	waitPass(t, loop)

	// Only one pass's worth of enumeration calls
	assert.Len(t, pipe.enumCalls, 1)
}

func TestSinkErrorDoesNotFailRun(t *testing.T) {
	db, pipe, sink, loop := setup(t)
	enableTarget(t, db, "example.com", false)
	sink.err = errors.New("telegram unreachable")

	pipe.enumOut["example.com"] = &inventory.EnumOutcome{Total: 1, NewSubdomains: []string{"a.example.com"}}

	require.True(t, loop.Trigger(context.Background()))
	waitPass(t, loop)

	logs, err := db.ListSchedulerLogs(0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, database.SchedRunCompleted, logs[0].Status)
}

func TestComposeDetailedCapsLists(t *testing.T) {
	var subs []string
	for i := 0; i < 14; i++ {
		subs = append(subs, string(rune('a'+i))+".example.com")
	}
	r := report{target: "example.com", totalSubdomains: 14, newSubdomains: subs}

	msg := r.compose(config.DetailDetailed)
	assert.Contains(t, msg, "a.example.com")
	assert.Contains(t, msg, "j.example.com")
	assert.NotContains(t, msg, "k.example.com")
	assert.Contains(t, msg, "+4 more")

	summary := r.compose(config.DetailSummary)
	assert.NotContains(t, summary, "a.example.com")
	assert.Contains(t, summary, "14 new")
}

func TestComposeMentionsRegressions(t *testing.T) {
	r := report{
		target:          "example.com",
		totalSubdomains: 1,
		findings: &inventory.FindingsOutcome{
			Total: 2,
			New:   1,
			Regressions: []*database.FindingRecord{
				{Name: "Admin Panel", Host: "admin.example.com"},
			},
		},
	}
	msg := r.compose(config.DetailDetailed)
	assert.Contains(t, msg, "1 regressed")
	assert.Contains(t, msg, "Admin Panel (admin.example.com)")
}

func TestNextRunFrequencies(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 30, 0, 0, time.UTC) // a Tuesday

	s := config.SchedulerSettings{Frequency: config.Freq6h, LastRun: now.Add(-7 * time.Hour).Unix()}
	assert.True(t, nextRun(s, now).Before(now))

	s = config.SchedulerSettings{Frequency: config.Freq12h, LastRun: now.Add(-2 * time.Hour).Unix()}
	assert.True(t, nextRun(s, now).After(now))

	// Daily at 02:00, already ran today: next fire is tomorrow 02:00
	s = config.SchedulerSettings{Frequency: config.Freq24h, Hour: 2,
		LastRun: time.Date(2025, 6, 10, 2, 0, 0, 0, time.UTC).Unix()}
	next := nextRun(s, now)
	assert.Equal(t, time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC), next)

	// Weekly fires on Sunday at the configured hour
	s = config.SchedulerSettings{Frequency: config.Freq168h, Hour: 3,
		LastRun: time.Date(2025, 6, 8, 3, 0, 0, 0, time.UTC).Unix()}
	next = nextRun(s, now)
	assert.Equal(t, time.Sunday, next.Weekday())
	assert.Equal(t, 3, next.Hour())
	assert.True(t, next.After(now))
}

func TestStatusSnapshot(t *testing.T) {
	db, _, _, loop := setup(t)
	require.NoError(t, db.SetSetting("scheduler_enabled", "true"))

	s := loop.Status()
	assert.True(t, s.Enabled)
	assert.False(t, s.Running)
	assert.NotZero(t, s.NextRun)
	assert.False(t, strings.Contains(s.CurrentTarget, "example"))
}
