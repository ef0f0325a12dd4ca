package scans

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/config"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/database"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/exec"
)

// fakeTool writes an executable script standing in for a scanner binary
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func setup(t *testing.T) (*database.DB, *config.Config, *Manager) {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	require.NoError(t, cfg.EnsureDirs())

	m := NewManager(db, cfg)
	t.Cleanup(func() {
		m.Close()
		exec.KillAllProcesses()
		db.Close()
	})
	return db, cfg, m
}

func waitTerminal(t *testing.T, m *Manager, id string) *database.ScanRecord {
	t.Helper()
	var record *database.ScanRecord
	require.Eventually(t, func() bool {
		var err error
		record, err = m.Get(id)
		return err == nil && record.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	return record
}

func TestEnumerationScanCompletes(t *testing.T) {
	db, cfg, m := setup(t)
	cfg.SubfinderBin = fakeTool(t, `
echo '{"host":"a.example.com","source":"crtsh"}'
echo 'not json'
echo '{"host":"b.example.com","source":"dnsdumpster"}'
`)

	record, err := m.Start(StartRequest{Kind: database.KindEnumeration, Target: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, database.StatusRunning, record.Status)
	assert.NotZero(t, record.Pid)

	record = waitTerminal(t, m, record.ID)
	assert.Equal(t, database.StatusCompleted, record.Status)
	assert.Equal(t, 2, record.ResultCount)
	require.NotNil(t, record.ExitCode)
	assert.Equal(t, 0, *record.ExitCode)

	targets, err := db.ListTargets()
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "example.com", targets[0].Target)
	assert.Equal(t, 2, targets[0].TotalCount)

	// Stdout was also written to the log file
	logData, err := os.ReadFile(record.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "a.example.com")
}

func TestSpawnFailureIsSynchronous(t *testing.T) {
	_, cfg, m := setup(t)
	cfg.SubfinderBin = filepath.Join(t.TempDir(), "missing-binary")

	_, err := m.Start(StartRequest{Kind: database.KindEnumeration, Target: "example.com"})
	require.Error(t, err)
	var startErr *exec.StartError
	assert.True(t, errors.As(err, &startErr))

	// The attempt is recorded failed, never running
	scans, err := m.List("")
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, database.StatusFailed, scans[0].Status)
}

func TestNonZeroExitMergesPartialOutput(t *testing.T) {
	db, cfg, m := setup(t)
	cfg.SubfinderBin = fakeTool(t, `
echo '{"host":"a.example.com","source":"crtsh"}'
exit 3
`)

	record, err := m.Start(StartRequest{Kind: database.KindEnumeration, Target: "example.com"})
	require.NoError(t, err)

	record = waitTerminal(t, m, record.ID)
	assert.Equal(t, database.StatusFailed, record.Status)
	require.NotNil(t, record.ExitCode)
	assert.Equal(t, 3, *record.ExitCode)

	// The partial line was still merged
	targets, err := db.ListTargets()
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 1, targets[0].TotalCount)
}

func TestProbeScanWithHostList(t *testing.T) {
	db, cfg, m := setup(t)
	cfg.HttpxBin = fakeTool(t, `
echo '{"url":"https://a.example.com","status_code":200,"title":"Home"}'
`)

	record, err := m.Start(StartRequest{
		Kind:   database.KindProbe,
		Target: "example.com",
		Hosts:  []string{"a.example.com", "b.example.com"},
	})
	require.NoError(t, err)

	record = waitTerminal(t, m, record.ID)
	assert.Equal(t, database.StatusCompleted, record.Status)
	assert.Equal(t, 1, record.ResultCount)

	rows, err := db.ListProbeResults(record.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].ChangeStatus)
}

func TestVulnerabilityScanMergesFindings(t *testing.T) {
	db, cfg, m := setup(t)
	cfg.NucleiBin = fakeTool(t, `
echo '{"template-id":"git-config","info":{"name":"Git Config","severity":"medium"},"host":"https://a.example.com","matched-at":"https://a.example.com/.git/config"}'
`)

	record, err := m.Start(StartRequest{
		Kind:   database.KindVulnerability,
		Target: "example.com",
		Hosts:  []string{"https://a.example.com"},
	})
	require.NoError(t, err)

	record = waitTerminal(t, m, record.ID)
	assert.Equal(t, database.StatusCompleted, record.Status)
	assert.Equal(t, 1, record.ResultCount)

	findings, err := db.ListFindings(database.FindingFilters{ScanID: record.ID})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "git-config", findings[0].TemplateID)
}

func TestStopRunningScan(t *testing.T) {
	_, cfg, m := setup(t)
	cfg.SubfinderBin = fakeTool(t, `sleep 30`)

	record, err := m.Start(StartRequest{Kind: database.KindEnumeration, Target: "example.com"})
	require.NoError(t, err)

	require.NoError(t, m.Stop(record.ID))

	record = waitTerminal(t, m, record.ID)
	assert.Equal(t, database.StatusStopped, record.Status)

	// Stop is idempotent against an already-terminal scan
	require.NoError(t, m.Stop(record.ID))
	record, err = m.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusStopped, record.Status)
}

func TestStopUnknownScan(t *testing.T) {
	_, _, m := setup(t)
	err := m.Stop("missing")
	assert.True(t, errors.Is(err, database.ErrScanNotFound))
}

func TestDeleteStopsAndRemoves(t *testing.T) {
	_, cfg, m := setup(t)
	cfg.SubfinderBin = fakeTool(t, `sleep 30`)

	record, err := m.Start(StartRequest{Kind: database.KindEnumeration, Target: "example.com"})
	require.NoError(t, err)

	require.NoError(t, m.Delete(record.ID))

	_, err = m.Get(record.ID)
	assert.True(t, errors.Is(err, database.ErrScanNotFound))
}

func TestInvalidKindRejected(t *testing.T) {
	_, _, m := setup(t)
	_, err := m.Start(StartRequest{Kind: "portscan", Target: "example.com"})
	assert.True(t, errors.Is(err, ErrInvalidKind))
}

func TestRegistrySweep(t *testing.T) {
	_, cfg, m := setup(t)
	cfg.SubfinderBin = fakeTool(t, `true`)

	record, err := m.Start(StartRequest{Kind: database.KindEnumeration, Target: "example.com"})
	require.NoError(t, err)
	waitTerminal(t, m, record.ID)

	require.Eventually(t, func() bool { return m.ActiveCount() == 1 }, time.Second, 10*time.Millisecond)

	// Inside the TTL the entry survives
	m.sweep(time.Now())
	assert.Equal(t, 1, m.ActiveCount())

	// Past the TTL it is dropped
	m.sweep(time.Now().Add(registryTTL + time.Second))
	assert.Equal(t, 0, m.ActiveCount())
}
