// Package scans owns the lifecycle of scanner invocations: spawning the
// external tool, tracking the live process, parsing its output on exit and
// merging results into the inventory.
package scans

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/config"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/database"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/exec"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/inventory"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/scanner"
)

// How long a finished entry stays in the registry so late status polls
// still see it before the sweep removes it.
const registryTTL = 60 * time.Second

const sweepInterval = 30 * time.Second

// ErrInvalidKind is returned for unknown scan kinds
var ErrInvalidKind = errors.New("invalid scan kind")

// activeScan is one registry entry: the live process plus its cancellation,
// and once terminal, the time the final state was persisted.
type activeScan struct {
	proc     *exec.Proc
	cancel   context.CancelFunc
	doneAt   time.Time
	tempFile string
}

// Manager tracks running scans and drives each through its lifecycle
type Manager struct {
	db     *database.DB
	cfg    *config.Config
	merger *inventory.Merger

	mu     sync.RWMutex
	active map[string]*activeScan

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func NewManager(db *database.DB, cfg *config.Config) *Manager {
	m := &Manager{
		db:        db,
		cfg:       cfg,
		merger:    inventory.NewMerger(db),
		active:    make(map[string]*activeScan),
		stopSweep: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Close stops the registry sweeper. Running processes are left to finish;
// callers that want them dead use exec.KillAllProcesses.
func (m *Manager) Close() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
}

// StartRequest describes one scan to launch. Target is the display target
// (the root domain for enumeration); Hosts, when set, is the batch target
// list for probe and vulnerability scans.
type StartRequest struct {
	Kind   string
	Target string
	Hosts  []string
}

// Start spawns the scanner for req and returns the running record. A spawn
// failure is reported synchronously and the scan is recorded failed without
// ever reaching running. Result processing happens in the background; the
// outcome is observable through the record's terminal status.
func (m *Manager) Start(req StartRequest) (*database.ScanRecord, error) {
	id, proc, err := m.launch(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.active[id].cancel = cancel
	m.mu.Unlock()

	go m.runScan(ctx, id, req, proc)

	return m.db.GetScan(id)
}

// launch spawns the process, records the scan and registers it. The caller
// decides whether to wait inline or in the background.
func (m *Manager) launch(req StartRequest) (string, *exec.Proc, error) {
	binary, args, tempFile, err := m.buildCommand(req)
	if err != nil {
		return "", nil, err
	}

	id := uuid.New().String()
	logPath := filepath.Join(m.cfg.LogDir(), fmt.Sprintf("%s_%s.log", req.Kind, id))

	proc, err := exec.Start(binary, args, logPath)
	if err != nil {
		if tempFile != "" {
			os.Remove(tempFile)
		}
		// Record the attempt so the failure is visible in scan history
		if dbErr := m.db.CreateScan(id, req.Kind, req.Target, database.StatusFailed, logPath); dbErr != nil {
			log.Printf("[WARNING] Failed to record spawn failure for %s: %v", req.Target, dbErr)
		}
		return "", nil, err
	}

	if err := m.db.CreateScan(id, req.Kind, req.Target, database.StatusRunning, logPath); err != nil {
		proc.Kill()
		return "", nil, err
	}
	if err := m.db.MarkScanRunning(id, proc.Pid()); err != nil {
		log.Printf("[WARNING] Failed to record pid for scan %s: %v", id, err)
	}

	m.mu.Lock()
	m.active[id] = &activeScan{proc: proc, cancel: func() {}, tempFile: tempFile}
	m.mu.Unlock()

	log.Printf("[INFO] Started %s scan %s for %s (pid %d)", req.Kind, id, req.Target, proc.Pid())
	return id, proc, nil
}

// runScan waits for the process and drives the record to a terminal state
func (m *Manager) runScan(ctx context.Context, id string, req StartRequest, proc *exec.Proc) {
	result := proc.Wait(ctx)

	// Partial stdout from a failed run is still merged best-effort
	count, mergeErr := m.processResults(id, req, result.Stdout)
	if mergeErr != nil {
		log.Printf("[WARNING] Result processing for scan %s failed: %v", id, mergeErr)
	}

	m.finish(id, terminalStatus(ctx, result, mergeErr), result, count)
}

// terminalStatus maps a process outcome to the scan's terminal state
func terminalStatus(ctx context.Context, result *exec.Result, mergeErr error) string {
	switch {
	case result.Err != nil && ctx.Err() != nil:
		return database.StatusStopped
	case result.ExitCode != 0:
		return database.StatusFailed
	case mergeErr != nil:
		return database.StatusFailed
	default:
		return database.StatusCompleted
	}
}

// finish persists the terminal state and marks the registry entry for sweep
func (m *Manager) finish(id, status string, result *exec.Result, count int) {
	exitCode := result.ExitCode
	if err := m.db.MarkScanTerminal(id, status, &exitCode, count); err != nil {
		log.Printf("[WARNING] Failed to persist terminal state for scan %s: %v", id, err)
	}

	log.Printf("[INFO] Scan %s finished: %s (exit %d, %d results, %s)",
		id, status, result.ExitCode, count, result.Duration.Round(time.Millisecond))

	m.mu.Lock()
	if entry, ok := m.active[id]; ok {
		entry.doneAt = time.Now()
		if entry.tempFile != "" {
			os.Remove(entry.tempFile)
			entry.tempFile = ""
		}
	}
	m.mu.Unlock()
}

// processResults parses the captured stdout and merges per kind, returning
// the result count for the scan record
func (m *Manager) processResults(id string, req StartRequest, stdout string) (int, error) {
	switch req.Kind {
	case database.KindEnumeration:
		records := scanner.ParseEnumOutput(stdout)
		seen := make(map[string]bool, len(records))
		subs := make([]string, 0, len(records))
		for _, r := range records {
			if r.Host == "" || seen[r.Host] {
				continue
			}
			seen[r.Host] = true
			subs = append(subs, r.Host)
		}
		if _, err := m.merger.MergeEnumeration(id, req.Target, subs); err != nil {
			return 0, err
		}
		return len(subs), nil

	case database.KindProbe:
		rows, err := m.merger.MergeProbeResults(id, scanner.ParseProbeOutput(stdout))
		return len(rows), err

	case database.KindVulnerability:
		out, err := m.merger.MergeFindings(id, scanner.ParseVulnOutput(stdout))
		if err != nil {
			return 0, err
		}
		return out.Total, nil

	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidKind, req.Kind)
	}
}

// buildCommand resolves the binary and arguments for a request, writing a
// target list file when the request carries a host batch
func (m *Manager) buildCommand(req StartRequest) (binary string, args []string, tempFile string, err error) {
	switch req.Kind {
	case database.KindEnumeration:
		if req.Target == "" {
			return "", nil, "", errors.New("enumeration requires a target domain")
		}
		return m.cfg.SubfinderBin, scanner.SubfinderArgs(req.Target), "", nil

	case database.KindProbe:
		if len(req.Hosts) > 0 {
			tempFile, err = exec.WriteTempFile(scanner.TargetList(req.Hosts), ".txt")
			if err != nil {
				return "", nil, "", err
			}
			return m.cfg.HttpxBin, scanner.HttpxListArgs(tempFile), tempFile, nil
		}
		if req.Target == "" {
			return "", nil, "", errors.New("probe requires a target")
		}
		return m.cfg.HttpxBin, scanner.HttpxArgs(req.Target), "", nil

	case database.KindVulnerability:
		settings := config.LoadNucleiSettings(m.db)
		if len(req.Hosts) > 0 {
			tempFile, err = exec.WriteTempFile(scanner.TargetList(req.Hosts), ".txt")
			if err != nil {
				return "", nil, "", err
			}
			args, err = scanner.NucleiArgs("-l", tempFile, settings)
			if err != nil {
				os.Remove(tempFile)
				return "", nil, "", err
			}
			return m.cfg.NucleiBin, args, tempFile, nil
		}
		if req.Target == "" {
			return "", nil, "", errors.New("vulnerability scan requires a target")
		}
		args, err = scanner.NucleiArgs("-u", req.Target, settings)
		if err != nil {
			return "", nil, "", err
		}
		return m.cfg.NucleiBin, args, "", nil

	default:
		return "", nil, "", fmt.Errorf("%w: %s", ErrInvalidKind, req.Kind)
	}
}

// Stop terminates a running scan. Stopping a scan whose process already
// exited is a success; a still-running record is forced to stopped.
func (m *Manager) Stop(id string) error {
	record, err := m.db.GetScan(id)
	if err != nil {
		return err
	}

	m.mu.RLock()
	entry, ok := m.active[id]
	m.mu.RUnlock()

	if ok {
		entry.cancel()
		if err := entry.proc.Kill(); err != nil {
			log.Printf("[WARNING] Kill for scan %s: %v", id, err)
		}
	} else if record.Pid > 0 {
		// Process outlived the registry (e.g. restart); kill by stored pid
		if err := exec.KillPid(record.Pid); err != nil {
			log.Printf("[WARNING] Kill pid %d for scan %s: %v", record.Pid, id, err)
		}
	}

	if !record.Terminal() {
		if err := m.db.MarkScanTerminal(id, database.StatusStopped, nil, record.ResultCount); err != nil {
			return err
		}
		log.Printf("[INFO] Scan %s stopped", id)
	}
	return nil
}

// Get returns one scan record
func (m *Manager) Get(id string) (*database.ScanRecord, error) {
	return m.db.GetScan(id)
}

// List returns scan records, optionally filtered by kind
func (m *Manager) List(kind string) ([]*database.ScanRecord, error) {
	return m.db.ListScans(kind)
}

// Delete removes a scan and its results. Running scans are stopped first.
func (m *Manager) Delete(id string) error {
	record, err := m.db.GetScan(id)
	if err != nil {
		return err
	}
	if !record.Terminal() {
		if err := m.Stop(id); err != nil {
			return err
		}
	}
	if record.LogPath != "" {
		os.Remove(record.LogPath)
	}
	return m.db.DeleteScan(id)
}

// ActiveCount reports how many registry entries are not yet swept
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.stopSweep:
			return
		}
	}
}

// RunEnumeration runs an enumeration scan to completion and returns the
// merge outcome. Used by the scheduler, which needs the new-subdomain set
// to drive the next stage; interactive callers use Start instead.
func (m *Manager) RunEnumeration(ctx context.Context, target string) (*database.ScanRecord, *inventory.EnumOutcome, error) {
	req := StartRequest{Kind: database.KindEnumeration, Target: target}
	id, proc, err := m.launch(req)
	if err != nil {
		return nil, nil, err
	}

	result := proc.Wait(ctx)

	records := scanner.ParseEnumOutput(result.Stdout)
	seen := make(map[string]bool, len(records))
	subs := make([]string, 0, len(records))
	for _, r := range records {
		if r.Host == "" || seen[r.Host] {
			continue
		}
		seen[r.Host] = true
		subs = append(subs, r.Host)
	}

	out, mergeErr := m.merger.MergeEnumeration(id, target, subs)
	m.finish(id, terminalStatus(ctx, result, mergeErr), result, len(subs))

	record, err := m.db.GetScan(id)
	if err != nil {
		return nil, out, err
	}
	if mergeErr != nil {
		return record, out, mergeErr
	}
	if result.ExitCode != 0 {
		return record, out, fmt.Errorf("enumeration of %s exited %d", target, result.ExitCode)
	}
	return record, out, nil
}

// RunProbe runs a probe over hosts to completion and returns the stored
// observations
func (m *Manager) RunProbe(ctx context.Context, target string, hosts []string) (*database.ScanRecord, []*database.ProbeRow, error) {
	req := StartRequest{Kind: database.KindProbe, Target: target, Hosts: hosts}
	id, proc, err := m.launch(req)
	if err != nil {
		return nil, nil, err
	}

	result := proc.Wait(ctx)

	rows, mergeErr := m.merger.MergeProbeResults(id, scanner.ParseProbeOutput(result.Stdout))
	m.finish(id, terminalStatus(ctx, result, mergeErr), result, len(rows))

	record, err := m.db.GetScan(id)
	if err != nil {
		return nil, rows, err
	}
	if mergeErr != nil {
		return record, rows, mergeErr
	}
	if result.ExitCode != 0 {
		return record, rows, fmt.Errorf("probe of %s exited %d", target, result.ExitCode)
	}
	return record, rows, nil
}

// RunVulnScan runs a vulnerability scan over urls to completion and returns
// the finding merge outcome
func (m *Manager) RunVulnScan(ctx context.Context, target string, urls []string) (*database.ScanRecord, *inventory.FindingsOutcome, error) {
	req := StartRequest{Kind: database.KindVulnerability, Target: target, Hosts: urls}
	id, proc, err := m.launch(req)
	if err != nil {
		return nil, nil, err
	}

	result := proc.Wait(ctx)

	out, mergeErr := m.merger.MergeFindings(id, scanner.ParseVulnOutput(result.Stdout))
	count := 0
	if out != nil {
		count = out.Total
	}
	m.finish(id, terminalStatus(ctx, result, mergeErr), result, count)

	record, err := m.db.GetScan(id)
	if err != nil {
		return nil, out, err
	}
	if mergeErr != nil {
		return record, out, mergeErr
	}
	if result.ExitCode != 0 {
		return record, out, fmt.Errorf("vulnerability scan of %s exited %d", target, result.ExitCode)
	}
	return record, out, nil
}

// sweep drops registry entries whose terminal state was persisted longer
// than the TTL ago
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.active {
		if !entry.doneAt.IsZero() && now.Sub(entry.doneAt) > registryTTL {
			delete(m.active, id)
		}
	}
}
