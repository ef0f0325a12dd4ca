// Package scanner defines the invocation contracts and result records for
// the external reconnaissance tools: subfinder, httpx and nuclei.
package scanner

import (
	"fmt"
	"strings"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/config"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/jsonl"
)

// EnumRecord is one subfinder JSONL line
type EnumRecord struct {
	Host   string `json:"host"`
	Source string `json:"source"`
}

// ProbeRecord is one httpx JSONL line
type ProbeRecord struct {
	URL          string   `json:"url"`
	Input        string   `json:"input"`
	StatusCode   int      `json:"status_code"`
	Title        string   `json:"title"`
	WebServer    string   `json:"webserver"`
	Technologies []string `json:"tech"`
	IP           string   `json:"host"`
	ContentType  string   `json:"content_type"`
}

// VulnInfo is the nested info block of a nuclei finding
type VulnInfo struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
}

// VulnRecord is one nuclei JSONL line
type VulnRecord struct {
	TemplateID  string   `json:"template-id"`
	Info        VulnInfo `json:"info"`
	Host        string   `json:"host"`
	MatchedAt   string   `json:"matched-at"`
	MatcherName string   `json:"matcher-name"`
	Type        string   `json:"type"`
	Timestamp   string   `json:"timestamp"`
}

// ParseEnumOutput decodes subfinder JSONL output
func ParseEnumOutput(output string) []EnumRecord {
	return jsonl.Unmarshal[EnumRecord](output)
}

// ParseProbeOutput decodes httpx JSONL output
func ParseProbeOutput(output string) []ProbeRecord {
	return jsonl.Unmarshal[ProbeRecord](output)
}

// ParseVulnOutput decodes nuclei JSONL output
func ParseVulnOutput(output string) []VulnRecord {
	return jsonl.Unmarshal[VulnRecord](output)
}

// SubfinderArgs builds the subfinder invocation for one root domain.
// -silent keeps stdout to pure JSONL; progress goes to stderr and the log.
func SubfinderArgs(domain string) []string {
	return []string{"-d", domain, "-json", "-silent"}
}

// HttpxArgs builds the httpx invocation for a single target URL or host
func HttpxArgs(target string) []string {
	return append(httpxBaseArgs(), "-u", target)
}

// HttpxListArgs builds the httpx invocation for a file of targets
func HttpxListArgs(listPath string) []string {
	return append(httpxBaseArgs(), "-l", listPath)
}

func httpxBaseArgs() []string {
	return []string{"-json", "-title", "-tech-detect", "-sc", "-no-color", "-silent"}
}

// NucleiArgs builds the nuclei invocation from the stored scan settings.
// targetFlag is "-u" for a single target or "-l" for a target list file.
func NucleiArgs(targetFlag, target string, settings config.NucleiSettings) ([]string, error) {
	if targetFlag != "-u" && targetFlag != "-l" {
		return nil, fmt.Errorf("invalid target flag: %q", targetFlag)
	}

	args := []string{targetFlag, target, "-jsonl", "-no-color", "-duc"}

	switch settings.ScanMode {
	case config.ScanModeQuick:
		// Fast surface pass: exposures and panels only
		args = append(args, "-tags", "exposure,panel,misconfig")
		if settings.Severity == "" {
			args = append(args, "-s", "critical,high")
		}
	case config.ScanModeStandard, "":
		// Default template set, no tag narrowing
	case config.ScanModeFull:
		args = append(args, "-as")
	default:
		return nil, fmt.Errorf("invalid scan mode: %q", settings.ScanMode)
	}

	if settings.Templates != "" {
		args = append(args, "-t", settings.Templates)
	}
	if settings.Severity != "" {
		args = append(args, "-s", settings.Severity)
	}
	if settings.RateLimit > 0 {
		args = append(args, "-rl", fmt.Sprintf("%d", settings.RateLimit))
	}
	if settings.Concurrency > 0 {
		args = append(args, "-c", fmt.Sprintf("%d", settings.Concurrency))
	}

	return args, nil
}

// TargetList renders hosts as a newline-terminated list file body
func TargetList(hosts []string) string {
	if len(hosts) == 0 {
		return ""
	}
	return strings.Join(hosts, "\n") + "\n"
}
