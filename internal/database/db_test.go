package database

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestScanLifecycle(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.CreateScan("scan-1", KindEnumeration, "example.com", StatusRunning, "/tmp/scan-1.log"))
	require.NoError(t, db.MarkScanRunning("scan-1", 4242))

	s, err := db.GetScan("scan-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s.Status)
	assert.Equal(t, 4242, s.Pid)
	assert.False(t, s.Terminal())

	code := 0
	require.NoError(t, db.MarkScanTerminal("scan-1", StatusCompleted, &code, 17))

	s, err = db.GetScan("scan-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.True(t, s.Terminal())
	assert.Equal(t, 17, s.ResultCount)
	require.NotNil(t, s.ExitCode)
	assert.Equal(t, 0, *s.ExitCode)
	assert.NotNil(t, s.EndTime)
}

func TestScanTerminalStateImmutable(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.CreateScan("scan-1", KindProbe, "example.com", StatusRunning, ""))
	require.NoError(t, db.MarkScanTerminal("scan-1", StatusStopped, nil, 0))

	// A late completion must not overwrite the stop
	code := 0
	require.NoError(t, db.MarkScanTerminal("scan-1", StatusCompleted, &code, 99))

	s, err := db.GetScan("scan-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, s.Status)
	assert.Equal(t, 0, s.ResultCount)
}

func TestGetScanNotFound(t *testing.T) {
	db := testDB(t)

	_, err := db.GetScan("missing")
	assert.True(t, errors.Is(err, ErrScanNotFound))
}

func TestListScansByKind(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.CreateScan("a", KindEnumeration, "one.com", StatusRunning, ""))
	require.NoError(t, db.CreateScan("b", KindVulnerability, "two.com", StatusRunning, ""))

	all, err := db.ListScans("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	vuln, err := db.ListScans(KindVulnerability)
	require.NoError(t, err)
	require.Len(t, vuln, 1)
	assert.Equal(t, "b", vuln[0].ID)
}

func TestDeleteScanCascades(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.CreateScan("scan-1", KindEnumeration, "example.com", StatusRunning, ""))
	require.NoError(t, db.InsertEnumResult("scan-1", "api.example.com", true))
	require.NoError(t, db.DeleteScan("scan-1"))

	results, err := db.ListEnumResults("scan-1")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUpsertTargetIdempotent(t *testing.T) {
	db := testDB(t)

	id1, err := db.UpsertTarget("example.com")
	require.NoError(t, err)
	id2, err := db.UpsertTarget("example.com")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := db.UpsertTarget("other.com")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestInsertSubdomainAndRecount(t *testing.T) {
	db := testDB(t)

	tid, err := db.UpsertTarget("example.com")
	require.NoError(t, err)

	isNew, err := db.InsertSubdomain(tid, "api.example.com", 100, 100)
	require.NoError(t, err)
	assert.True(t, isNew)

	// Same pair again degrades to a last_seen touch
	isNew, err = db.InsertSubdomain(tid, "api.example.com", 200, 200)
	require.NoError(t, err)
	assert.False(t, isNew)

	sub, err := db.FindSubdomain(tid, "api.example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, int64(100), sub.FirstSeen)
	assert.Equal(t, int64(200), sub.LastSeen)

	count, err := db.RecountTargetSubdomains(tid)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	target, err := db.GetTarget(tid)
	require.NoError(t, err)
	assert.Equal(t, 1, target.TotalCount)
}

func TestListEnabledTargetsOrder(t *testing.T) {
	db := testDB(t)

	oldID, err := db.UpsertTarget("old.com")
	require.NoError(t, err)
	newID, err := db.UpsertTarget("new.com")
	require.NoError(t, err)
	neverID, err := db.UpsertTarget("never.com")
	require.NoError(t, err)
	disabledID, err := db.UpsertTarget("disabled.com")
	require.NoError(t, err)

	require.NoError(t, db.SetTargetSchedulerEnabled(oldID, true))
	require.NoError(t, db.SetTargetSchedulerEnabled(newID, true))
	require.NoError(t, db.SetTargetSchedulerEnabled(neverID, true))
	_ = disabledID

	require.NoError(t, db.TouchTarget(oldID, 1000))
	require.NoError(t, db.TouchTarget(newID, 2000))

	targets, err := db.ListEnabledTargets()
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.Equal(t, "never.com", targets[0].Target)
	assert.Equal(t, "old.com", targets[1].Target)
	assert.Equal(t, "new.com", targets[2].Target)
}

func TestDeleteTargetCascades(t *testing.T) {
	db := testDB(t)

	tid, err := db.UpsertTarget("example.com")
	require.NoError(t, err)
	_, err = db.InsertSubdomain(tid, "api.example.com", 1, 1)
	require.NoError(t, err)

	require.NoError(t, db.DeleteTarget(tid))

	subs, err := db.ListSubdomains(tid)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestUpsertFindingRegressionRule(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.CreateScan("scan-1", KindVulnerability, "example.com", StatusRunning, ""))
	require.NoError(t, db.CreateScan("scan-2", KindVulnerability, "example.com", StatusRunning, ""))

	f := &FindingRecord{
		ScanID:      "scan-1",
		TemplateID:  "exposed-panel",
		Name:        "Exposed Admin Panel",
		Severity:    "high",
		Host:        "admin.example.com",
		MatchedAt:   "https://admin.example.com/login",
		FindingHash: "abc123",
		RawJSON:     `{"template-id":"exposed-panel"}`,
	}

	out, err := db.UpsertFinding(f)
	require.NoError(t, err)
	assert.True(t, out.IsNew)
	assert.False(t, out.IsRegression)

	// Re-observation of an open finding just refreshes it
	f.ScanID = "scan-2"
	out, err = db.UpsertFinding(f)
	require.NoError(t, err)
	assert.False(t, out.IsNew)
	assert.False(t, out.IsRegression)
	assert.Equal(t, FindingNew, out.PriorStatus)

	list, err := db.ListFindings(FindingFilters{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "scan-2", list[0].ScanID)
	firstSeen := list[0].FirstSeen

	// Operator marks it fixed; re-observation flips it to Regression
	require.NoError(t, db.UpdateFindingStatus(list[0].ID, FindingFixed))

	out, err = db.UpsertFinding(f)
	require.NoError(t, err)
	assert.False(t, out.IsNew)
	assert.True(t, out.IsRegression)
	assert.Equal(t, FindingFixed, out.PriorStatus)

	list, err = db.ListFindings(FindingFilters{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, FindingRegression, list[0].Status)
	assert.Equal(t, firstSeen, list[0].FirstSeen)
}

func TestUpdateFindingStatusValidation(t *testing.T) {
	db := testDB(t)

	err := db.UpdateFindingStatus(1, "bogus")
	assert.Error(t, err)

	err = db.UpdateFindingStatus(999, FindingConfirmed)
	assert.Error(t, err)
}

func TestListFindingsFilters(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.CreateScan("scan-1", KindVulnerability, "example.com", StatusRunning, ""))

	seed := []struct {
		hash, severity, host string
	}{
		{"h1", "critical", "a.example.com"},
		{"h2", "low", "b.example.com"},
		{"h3", "high", "c.other.com"},
	}
	for _, s := range seed {
		_, err := db.UpsertFinding(&FindingRecord{
			ScanID: "scan-1", TemplateID: "t", Name: "n", Severity: s.severity,
			Host: s.host, MatchedAt: "https://" + s.host, FindingHash: s.hash, RawJSON: "{}",
		})
		require.NoError(t, err)
	}

	list, err := db.ListFindings(FindingFilters{Severities: []string{"critical", "high"}})
	require.NoError(t, err)
	require.Len(t, list, 2)
	// Severity ordering puts critical first
	assert.Equal(t, "critical", list[0].Severity)
	assert.Equal(t, "high", list[1].Severity)

	list, err = db.ListFindings(FindingFilters{Host: "example.com"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	counts, err := db.CountFindingsBySeverity()
	require.NoError(t, err)
	assert.Equal(t, 1, counts["critical"])
	assert.Equal(t, 1, counts["high"])
	assert.Equal(t, 1, counts["low"])
}

func TestProbeResultsLatestPerURL(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.CreateScan("scan-1", KindProbe, "example.com", StatusRunning, ""))
	require.NoError(t, db.CreateScan("scan-2", KindProbe, "example.com", StatusRunning, ""))

	require.NoError(t, db.InsertProbeResult(&ProbeRow{
		ScanID: "scan-1", URL: "https://api.example.com", StatusCode: 200,
		Title: "API", ChangeStatus: "new", Timestamp: 100,
	}))
	require.NoError(t, db.InsertProbeResult(&ProbeRow{
		ScanID: "scan-2", URL: "https://api.example.com", StatusCode: 403,
		Title: "Forbidden", ChangeStatus: "changed", Timestamp: 200,
	}))

	latest, err := db.FindLatestProbeResult("https://api.example.com")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 403, latest.StatusCode)
	assert.Equal(t, "scan-2", latest.ScanID)

	none, err := db.FindLatestProbeResult("https://unknown.example.com")
	require.NoError(t, err)
	assert.Nil(t, none)

	live, err := db.ListLiveHosts(0)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "changed", live[0].ChangeStatus)
}

func TestSettingsRoundTrip(t *testing.T) {
	db := testDB(t)

	assert.Equal(t, "", db.GetSetting("scheduler_enabled"))

	require.NoError(t, db.SetSetting("scheduler_enabled", "true"))
	assert.Equal(t, "true", db.GetSetting("scheduler_enabled"))

	require.NoError(t, db.SetSetting("scheduler_enabled", "false"))
	assert.Equal(t, "false", db.GetSetting("scheduler_enabled"))

	all, err := db.ListSettings()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"scheduler_enabled": "false"}, all)
}

func TestSchedulerLogLifecycle(t *testing.T) {
	db := testDB(t)

	id, err := db.AppendSchedulerLog("example.com")
	require.NoError(t, err)

	logs, err := db.ListSchedulerLogs(0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, SchedRunRunning, logs[0].Status)

	err = db.CompleteSchedulerLog(id, SchedRunCompleted, &SchedulerLog{
		SubdomainsTotal: 12, SubdomainsNew: 3, LiveHosts: 8, FindingsCount: 2,
	})
	require.NoError(t, err)

	logs, err = db.ListSchedulerLogs(0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, SchedRunCompleted, logs[0].Status)
	assert.Equal(t, 12, logs[0].SubdomainsTotal)
	assert.Equal(t, 3, logs[0].SubdomainsNew)
	assert.Equal(t, 8, logs[0].LiveHosts)
	assert.Equal(t, 2, logs[0].FindingsCount)
	assert.NotZero(t, logs[0].CompletedAt)
}

func TestWithTxRollback(t *testing.T) {
	db := testDB(t)

	sentinel := errors.New("merge failed")
	err := db.WithTx(func(tx *DB) error {
		if _, err := tx.UpsertTarget("example.com"); err != nil {
			return err
		}
		return sentinel
	})
	assert.True(t, errors.Is(err, sentinel))

	targets, err := db.ListTargets()
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestWithTxCommitAndNesting(t *testing.T) {
	db := testDB(t)

	err := db.WithTx(func(tx *DB) error {
		if _, err := tx.UpsertTarget("example.com"); err != nil {
			return err
		}
		// Nested call reuses the outer transaction
		return tx.WithTx(func(inner *DB) error {
			_, err := inner.InsertSubdomain(1, "api.example.com", 1, 1)
			return err
		})
	})
	require.NoError(t, err)

	targets, err := db.ListTargets()
	require.NoError(t, err)
	require.Len(t, targets, 1)

	subs, err := db.ListSubdomains(targets[0].ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}
