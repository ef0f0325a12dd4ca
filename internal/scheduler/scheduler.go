// Package scheduler drives periodic reconnaissance passes: for each enabled
// target it chains enumeration, conditional probing of new subdomains and
// threshold-gated vulnerability scanning, then notifies and records a run
// log entry.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/config"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/database"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/inventory"
)

const tickInterval = time.Minute

// Pipeline is the slice of the scan manager the loop drives. Each call runs
// one scanner to completion and returns the merged outcome.
type Pipeline interface {
	RunEnumeration(ctx context.Context, target string) (*database.ScanRecord, *inventory.EnumOutcome, error)
	RunProbe(ctx context.Context, target string, hosts []string) (*database.ScanRecord, []*database.ProbeRow, error)
	RunVulnScan(ctx context.Context, target string, urls []string) (*database.ScanRecord, *inventory.FindingsOutcome, error)
}

// Sink dispatches notifications. Failures are logged by the loop, never
// propagated; notification is best-effort.
type Sink interface {
	Send(message string) error
	SendFile(message, path string) error
}

// Loop owns the scheduling state. Passes are strictly serialized: a firing
// that overlaps a running pass is skipped, never queued.
type Loop struct {
	db   *database.DB
	pipe Pipeline
	sink Sink

	mu            sync.Mutex
	running       bool
	currentTarget string

	stop     chan struct{}
	stopOnce sync.Once
}

func NewLoop(db *database.DB, pipe Pipeline, sink Sink) *Loop {
	return &Loop{
		db:   db,
		pipe: pipe,
		sink: sink,
		stop: make(chan struct{}),
	}
}

// Status is a read-only snapshot of the loop state
type Status struct {
	Enabled       bool   `json:"enabled"`
	Running       bool   `json:"running"`
	CurrentTarget string `json:"current_target,omitempty"`
	LastRun       int64  `json:"last_run,omitempty"`
	NextRun       int64  `json:"next_run,omitempty"`
}

// Status reports the loop state plus the computed next fire time
func (l *Loop) Status() Status {
	settings := config.LoadSchedulerSettings(l.db)

	l.mu.Lock()
	defer l.mu.Unlock()

	s := Status{
		Enabled: settings.Enabled,
		Running: l.running,
		LastRun: settings.LastRun,
	}
	if l.running {
		s.CurrentTarget = l.currentTarget
	}
	if settings.Enabled {
		s.NextRun = nextRun(settings, time.Now()).Unix()
	}
	return s
}

// Run ticks until ctx is cancelled or Close is called, firing a pass
// whenever the schedule comes due
func (l *Loop) Run(ctx context.Context) {
	log.Printf("[Scheduler] Loop started")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			settings := config.LoadSchedulerSettings(l.db)
			if !settings.Enabled {
				continue
			}
			if now.Before(nextRun(settings, now)) {
				continue
			}
			l.Trigger(ctx)
		case <-ctx.Done():
			log.Printf("[Scheduler] Loop stopped: %v", ctx.Err())
			return
		case <-l.stop:
			log.Printf("[Scheduler] Loop stopped")
			return
		}
	}
}

// Close stops Run
func (l *Loop) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Trigger starts a pass unless one is already running, in which case the
// firing is skipped entirely. Returns whether a pass was started.
func (l *Loop) Trigger(ctx context.Context) bool {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		log.Printf("[Scheduler] Pass already running, skipping this firing")
		return false
	}
	l.running = true
	l.mu.Unlock()

	go l.runPass(ctx)
	return true
}

// runPass processes every enabled target sequentially, then persists the
// pass completion time and releases the serialization lock
func (l *Loop) runPass(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.running = false
		l.currentTarget = ""
		l.mu.Unlock()
	}()

	settings := config.LoadSchedulerSettings(l.db)
	nucleiSettings := config.LoadNucleiSettings(l.db)
	notifySettings := config.LoadNotifySettings(l.db)

	targets, err := l.db.ListEnabledTargets()
	if err != nil {
		log.Printf("[Scheduler] Failed to list targets: %v", err)
		return
	}

	log.Printf("[Scheduler] Pass started: %d enabled targets", len(targets))

	for _, t := range targets {
		l.mu.Lock()
		l.currentTarget = t.Target
		l.mu.Unlock()

		l.runTarget(ctx, t, settings, nucleiSettings, notifySettings)
	}

	if err := l.db.SetSetting("scheduler_last_run", strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		log.Printf("[Scheduler] Failed to persist last run: %v", err)
	}
	log.Printf("[Scheduler] Pass finished")
}

// runTarget chains the stages for one target. A failure is logged against
// this target's run entry and never aborts the pass.
func (l *Loop) runTarget(ctx context.Context, t *database.MonitoredTarget,
	settings config.SchedulerSettings, nucleiSettings config.NucleiSettings,
	notifySettings config.NotifySettings) {

	logID, err := l.db.AppendSchedulerLog(t.Target)
	if err != nil {
		log.Printf("[Scheduler] Failed to open run log for %s: %v", t.Target, err)
	}

	entry := &database.SchedulerLog{Domain: t.Target}
	status := database.SchedRunCompleted

	report := report{target: t.Target}

	_, enumOut, err := l.pipe.RunEnumeration(ctx, t.Target)
	if err != nil {
		log.Printf("[Scheduler] Enumeration of %s failed: %v", t.Target, err)
		entry.ErrorMessage = err.Error()
		status = database.SchedRunFailed
	}
	if enumOut != nil {
		entry.SubdomainsTotal = enumOut.Total
		entry.SubdomainsNew = len(enumOut.NewSubdomains)
		report.newSubdomains = enumOut.NewSubdomains
		report.totalSubdomains = enumOut.Total
	}

	// Probe exactly the newly discovered subdomains
	if status == database.SchedRunCompleted && settings.AutoProbe && len(report.newSubdomains) > 0 {
		_, rows, err := l.pipe.RunProbe(ctx, t.Target, report.newSubdomains)
		if err != nil {
			log.Printf("[Scheduler] Probe of %s failed: %v", t.Target, err)
			entry.ErrorMessage = err.Error()
			status = database.SchedRunFailed
		}
		for _, row := range rows {
			report.liveHosts = append(report.liveHosts, row.URL)
		}
		entry.LiveHosts = len(report.liveHosts)
	}

	// Threshold gate: a large batch of brand-new hosts waits for operator
	// review instead of firing the vulnerability scanner
	if status == database.SchedRunCompleted && t.NucleiEnabled && settings.AutoProbe && len(report.liveHosts) > 0 {
		if len(report.newSubdomains) > nucleiSettings.MaxNewThreshold {
			log.Printf("[Scheduler] Skipping vulnerability scan for %s: %d new subdomains exceed threshold %d",
				t.Target, len(report.newSubdomains), nucleiSettings.MaxNewThreshold)
			report.thresholdSkipped = true
		} else {
			_, vulnOut, err := l.pipe.RunVulnScan(ctx, t.Target, report.liveHosts)
			if err != nil {
				log.Printf("[Scheduler] Vulnerability scan of %s failed: %v", t.Target, err)
				entry.ErrorMessage = err.Error()
				status = database.SchedRunFailed
			}
			if vulnOut != nil {
				entry.FindingsCount = vulnOut.Total
				report.findings = vulnOut
			}
		}
	}

	l.notify(report, settings, notifySettings)

	if logID != 0 {
		if err := l.db.CompleteSchedulerLog(logID, status, entry); err != nil {
			log.Printf("[Scheduler] Failed to close run log for %s: %v", t.Target, err)
		}
	}
}

// notify dispatches the per-target message when the mode calls for one
func (l *Loop) notify(r report, settings config.SchedulerSettings, notifySettings config.NotifySettings) {
	if !notifySettings.Enabled {
		return
	}
	if settings.NotifyMode == config.NotifyNewOnly && len(r.newSubdomains) == 0 {
		return
	}
	if err := l.sink.Send(r.compose(notifySettings.Detail)); err != nil {
		log.Printf("[Scheduler] Notification for %s failed: %v", r.target, err)
	}
}

// nextRun computes the next fire time after the last recorded run. Interval
// frequencies fire on the elapsed interval; daily and weekly frequencies
// fire at the configured hour, weekly on Sunday.
func nextRun(s config.SchedulerSettings, now time.Time) time.Time {
	last := time.Unix(s.LastRun, 0)

	switch s.Frequency {
	case config.Freq6h, config.Freq12h:
		interval := 6 * time.Hour
		if s.Frequency == config.Freq12h {
			interval = 12 * time.Hour
		}
		if s.LastRun == 0 {
			return now
		}
		return last.Add(interval)

	case config.Freq168h:
		next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, 0, 0, 0, now.Location())
		for next.Weekday() != time.Sunday || !next.After(last) {
			next = next.AddDate(0, 0, 1)
			if next.Sub(now) > 8*24*time.Hour {
				break
			}
		}
		return next

	default: // daily
		next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, 0, 0, 0, now.Location())
		if !next.After(last) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// report carries one target's pass results into message composition
type report struct {
	target           string
	totalSubdomains  int
	newSubdomains    []string
	liveHosts        []string
	thresholdSkipped bool
	findings         *inventory.FindingsOutcome
}

const detailCap = 10

// compose renders the notification message. Summary mode carries counts
// only; detailed mode names subdomains and hosts, capped per category.
func (r report) compose(detail string) string {
	msg := fmt.Sprintf("Recon results for %s\n", r.target)
	msg += fmt.Sprintf("Subdomains: %d total, %d new\n", r.totalSubdomains, len(r.newSubdomains))
	if len(r.liveHosts) > 0 {
		msg += fmt.Sprintf("Live hosts: %d\n", len(r.liveHosts))
	}
	if r.thresholdSkipped {
		msg += "Vulnerability scan skipped: new-subdomain threshold exceeded\n"
	}
	if r.findings != nil && r.findings.Total > 0 {
		msg += fmt.Sprintf("Findings: %d (%d new", r.findings.Total, r.findings.New)
		if n := len(r.findings.Regressions); n > 0 {
			msg += fmt.Sprintf(", %d regressed", n)
		}
		msg += ")\n"
	}

	if detail != config.DetailDetailed {
		return msg
	}

	msg += capped("New subdomains", r.newSubdomains)
	msg += capped("Live hosts", r.liveHosts)
	if r.findings != nil && len(r.findings.Regressions) > 0 {
		var names []string
		for _, f := range r.findings.Regressions {
			names = append(names, fmt.Sprintf("%s (%s)", f.Name, f.Host))
		}
		msg += capped("Regressions", names)
	}
	return msg
}

func capped(label string, items []string) string {
	if len(items) == 0 {
		return ""
	}
	out := label + ":\n"
	for i, item := range items {
		if i == detailCap {
			out += fmt.Sprintf("  +%d more\n", len(items)-detailCap)
			break
		}
		out += "  " + item + "\n"
	}
	return out
}
