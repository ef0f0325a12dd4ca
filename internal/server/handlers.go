package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/database"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/exec"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/scans"
)

type startScanRequest struct {
	Kind   string   `json:"kind" binding:"required"`
	Target string   `json:"target"`
	Hosts  []string `json:"hosts"`
}

func (s *Server) startScan(c *gin.Context) {
	var req startScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := s.scanMgr.Start(scans.StartRequest{
		Kind:   req.Kind,
		Target: req.Target,
		Hosts:  req.Hosts,
	})
	if err != nil {
		var startErr *exec.StartError
		switch {
		case errors.As(err, &startErr):
			// Binary missing or unexecutable: the scan never started
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		case errors.Is(err, scans.ErrInvalidKind):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, record)
}

func (s *Server) listScans(c *gin.Context) {
	records, err := s.scanMgr.List(c.Query("kind"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": records, "count": len(records)})
}

func (s *Server) getScan(c *gin.Context) {
	record, err := s.scanMgr.Get(c.Param("id"))
	if err != nil {
		scanError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// getScanResults returns the kind-specific result rows for one scan
func (s *Server) getScanResults(c *gin.Context) {
	record, err := s.scanMgr.Get(c.Param("id"))
	if err != nil {
		scanError(c, err)
		return
	}

	switch record.Kind {
	case database.KindEnumeration:
		results, err := s.db.ListEnumResults(record.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"scan": record, "subdomains": results})

	case database.KindProbe:
		rows, err := s.db.ListProbeResults(record.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"scan": record, "hosts": rows})

	case database.KindVulnerability:
		findings, err := s.db.ListFindings(database.FindingFilters{ScanID: record.ID})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"scan": record, "findings": findings})
	}
}

func (s *Server) getScanLog(c *gin.Context) {
	record, err := s.scanMgr.Get(c.Param("id"))
	if err != nil {
		scanError(c, err)
		return
	}
	if record.LogPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no log for this scan"})
		return
	}
	data, err := os.ReadFile(record.LogPath)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "log file unavailable"})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

func (s *Server) stopScan(c *gin.Context) {
	if err := s.scanMgr.Stop(c.Param("id")); err != nil {
		scanError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) deleteScan(c *gin.Context) {
	if err := s.scanMgr.Delete(c.Param("id")); err != nil {
		scanError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func scanError(c *gin.Context, err error) {
	if errors.Is(err, database.ErrScanNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) listTargets(c *gin.Context) {
	targets, err := s.db.ListTargets()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets, "count": len(targets)})
}

func (s *Server) listSubdomains(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	subs, err := s.db.ListSubdomains(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subdomains": subs, "count": len(subs)})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) setTargetScheduler(c *gin.Context) {
	s.setTargetToggle(c, s.db.SetTargetSchedulerEnabled)
}

func (s *Server) setTargetNuclei(c *gin.Context) {
	s.setTargetToggle(c, s.db.SetTargetNucleiEnabled)
}

func (s *Server) setTargetToggle(c *gin.Context, set func(int64, bool) error) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := set(id, *req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

func (s *Server) deleteTarget(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := s.db.DeleteTarget(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) recentSubdomains(c *gin.Context) {
	recent, err := s.db.RecentSubdomains(queryInt(c, "limit", 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subdomains": recent, "count": len(recent)})
}

func (s *Server) listLiveHosts(c *gin.Context) {
	hosts, err := s.db.ListLiveHosts(queryInt(c, "limit", 200))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hosts": hosts, "count": len(hosts)})
}

func (s *Server) listFindings(c *gin.Context) {
	filters := database.FindingFilters{
		ScanID: c.Query("scan_id"),
		Host:   c.Query("host"),
	}
	if v := c.Query("severity"); v != "" {
		filters.Severities = strings.Split(v, ",")
	}
	if v := c.Query("status"); v != "" {
		filters.Statuses = strings.Split(v, ",")
	}

	findings, err := s.db.ListFindings(filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"findings": findings, "count": len(findings)})
}

func (s *Server) findingCounts(c *gin.Context) {
	counts, err := s.db.CountFindingsBySeverity()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

type findingStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) updateFindingStatus(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req findingStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.db.UpdateFindingStatus(id, req.Status); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.db.ListSettings()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

func (s *Server) updateSettings(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for key, value := range req {
		if err := s.db.SetSetting(key, value); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(req)})
}

func (s *Server) schedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.loop.Status())
}

func (s *Server) triggerScheduler(c *gin.Context) {
	// The pass outlives the request; never tie it to the request context
	if s.loop.Trigger(context.Background()) {
		c.JSON(http.StatusAccepted, gin.H{"status": "pass started"})
		return
	}
	c.JSON(http.StatusConflict, gin.H{"error": "a pass is already running"})
}

func (s *Server) schedulerLogs(c *gin.Context) {
	logs, err := s.db.ListSchedulerLogs(queryInt(c, "limit", 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (s *Server) toolStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.checker.CheckAll()})
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v, err := strconv.Atoi(c.Query(key)); err == nil {
		return v
	}
	return fallback
}
