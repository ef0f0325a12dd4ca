package config

import (
	"strconv"
	"strings"
)

// SettingsReader is the slice of the store the settings loaders need.
// Implemented by *database.DB.
type SettingsReader interface {
	GetSetting(key string) string
}

// Scheduler frequencies
const (
	Freq6h   = "6h"
	Freq12h  = "12h"
	Freq24h  = "24h"
	Freq168h = "168h"
)

// Notify modes
const (
	NotifyAlways  = "always"
	NotifyNewOnly = "new_only"
)

// Notification detail levels
const (
	DetailSummary  = "summary"
	DetailDetailed = "detailed"
)

// SchedulerSettings controls the periodic control loop. Read fresh from the
// settings table at the start of every scheduling pass.
type SchedulerSettings struct {
	Enabled    bool
	Frequency  string // 6h | 12h | 24h | 168h
	Hour       int    // hour of day for 24h/168h frequencies
	NotifyMode string // always | new_only
	AutoProbe  bool   // chain httpx on newly discovered subdomains
	LastRun    int64  // unix seconds, 0 = never
}

// LoadSchedulerSettings reads scheduler settings with defaults for unset keys
func LoadSchedulerSettings(r SettingsReader) SchedulerSettings {
	s := SchedulerSettings{
		Enabled:    r.GetSetting("scheduler_enabled") == "true",
		Frequency:  Freq24h,
		Hour:       2,
		NotifyMode: NotifyNewOnly,
		AutoProbe:  r.GetSetting("scheduler_auto_probe") != "false",
	}

	switch f := r.GetSetting("scheduler_frequency"); f {
	case Freq6h, Freq12h, Freq24h, Freq168h:
		s.Frequency = f
	}
	if h, err := strconv.Atoi(r.GetSetting("scheduler_hour")); err == nil && h >= 0 && h <= 23 {
		s.Hour = h
	}
	if m := r.GetSetting("scheduler_notify_mode"); m == NotifyAlways || m == NotifyNewOnly {
		s.NotifyMode = m
	}
	if ts, err := strconv.ParseInt(r.GetSetting("scheduler_last_run"), 10, 64); err == nil {
		s.LastRun = ts
	}
	return s
}

// Scan modes for chained vulnerability scanning
const (
	ScanModeQuick    = "quick"
	ScanModeStandard = "standard"
	ScanModeFull     = "full"
)

// NucleiSettings controls chained vulnerability scanning
type NucleiSettings struct {
	ScanMode        string // quick | standard | full
	Templates       string // comma-separated template/tag filter, empty = mode default
	Severity        string // comma-separated severity filter, empty = mode default
	RateLimit       int
	Concurrency     int
	MaxNewThreshold int // skip vuln scanning when a run discovers more new subdomains than this
}

// LoadNucleiSettings reads nuclei settings with defaults for unset keys
func LoadNucleiSettings(r SettingsReader) NucleiSettings {
	s := NucleiSettings{
		ScanMode:        ScanModeStandard,
		Templates:       strings.TrimSpace(r.GetSetting("nuclei_templates")),
		Severity:        strings.TrimSpace(r.GetSetting("nuclei_severity")),
		RateLimit:       150,
		Concurrency:     25,
		MaxNewThreshold: 50,
	}

	switch m := r.GetSetting("nuclei_scan_mode"); m {
	case ScanModeQuick, ScanModeStandard, ScanModeFull:
		s.ScanMode = m
	}
	if v, err := strconv.Atoi(r.GetSetting("nuclei_rate_limit")); err == nil && v > 0 {
		s.RateLimit = v
	}
	if v, err := strconv.Atoi(r.GetSetting("nuclei_concurrency")); err == nil && v > 0 {
		s.Concurrency = v
	}
	if v, err := strconv.Atoi(r.GetSetting("nuclei_max_new_threshold")); err == nil && v > 0 {
		s.MaxNewThreshold = v
	}
	return s
}

// NotifySettings controls the notification sink. DetailDetailed exposes
// subdomain and host names to the notification channel; it is a deliberate
// operator opt-in, never the default.
type NotifySettings struct {
	Enabled  bool
	BotToken string
	ChatID   string
	Detail   string // summary | detailed
}

// LoadNotifySettings reads notification settings with defaults for unset keys
func LoadNotifySettings(r SettingsReader) NotifySettings {
	s := NotifySettings{
		// Unset means enabled; only an explicit "false" disables
		Enabled:  r.GetSetting("notifications_enabled") != "false",
		BotToken: r.GetSetting("telegram_bot_token"),
		ChatID:   r.GetSetting("telegram_chat_id"),
		Detail:   DetailSummary,
	}
	if d := r.GetSetting("notify_detail"); d == DetailDetailed {
		s.Detail = d
	}
	return s
}
