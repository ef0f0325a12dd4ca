// Package tools verifies the external scanner binaries the engine spawns:
// presence on PATH and a minimum supported version.
package tools

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Tool describes one required scanner binary
type Tool struct {
	Name       string
	MinVersion string
	InstallCmd string
}

// ToolStatus is the check result for one tool
type ToolStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
	Supported bool   `json:"supported"`
}

// RequiredTools lists the scanners the engine depends on
func RequiredTools() []Tool {
	return []Tool{
		{"subfinder", "2.6.0", "github.com/projectdiscovery/subfinder/v2/cmd/subfinder@latest"},
		{"httpx", "1.6.0", "github.com/projectdiscovery/httpx/cmd/httpx@latest"},
		{"nuclei", "3.2.0", "github.com/projectdiscovery/nuclei/v3/cmd/nuclei@latest"},
	}
}

type Checker struct {
	// binaries maps tool name to a configured binary path; unset names
	// resolve through PATH
	binaries map[string]string
}

func NewChecker(binaries map[string]string) *Checker {
	return &Checker{binaries: binaries}
}

// CheckAll checks every required tool in parallel
func (c *Checker) CheckAll() []ToolStatus {
	required := RequiredTools()
	statuses := make([]ToolStatus, len(required))

	var wg sync.WaitGroup
	for i, t := range required {
		wg.Add(1)
		go func(idx int, tool Tool) {
			defer wg.Done()
			statuses[idx] = c.Check(tool)
		}(i, t)
	}
	wg.Wait()
	return statuses
}

// Check reports one tool's presence and version support
func (c *Checker) Check(t Tool) ToolStatus {
	s := ToolStatus{Name: t.Name}

	bin := c.binary(t.Name)
	if _, err := exec.LookPath(bin); err != nil {
		return s
	}
	s.Installed = true

	s.Version = c.version(bin)
	s.Supported = versionSupported(s.Version, t.MinVersion)
	return s
}

// IsInstalled reports whether a tool resolves on PATH
func (c *Checker) IsInstalled(name string) bool {
	_, err := exec.LookPath(c.binary(name))
	return err == nil
}

// MissingRequired lists required tools not found on PATH
func (c *Checker) MissingRequired() []string {
	var missing []string
	for _, t := range RequiredTools() {
		if !c.IsInstalled(t.Name) {
			missing = append(missing, t.Name)
		}
	}
	return missing
}

func (c *Checker) binary(name string) string {
	if c.binaries != nil && c.binaries[name] != "" {
		return c.binaries[name]
	}
	return name
}

// version asks the binary for its version with a short timeout. The
// projectdiscovery tools print it to stderr as "Current Version: vX.Y.Z".
func (c *Checker) version(bin string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, "-version")
	out, _ := cmd.CombinedOutput()
	return extractVersion(string(out))
}

var versionRe = regexp.MustCompile(`v?(\d+\.\d+\.\d+)`)

// extractVersion pulls the first semver-looking token out of version output
func extractVersion(out string) string {
	if m := versionRe.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	return ""
}

// versionSupported compares a detected version against the minimum.
// An unparseable or missing version is treated as supported so an odd
// version banner never blocks scanning.
func versionSupported(version, minimum string) bool {
	if version == "" {
		return true
	}
	v, err := semver.NewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return true
	}
	min, err := semver.NewVersion(minimum)
	if err != nil {
		return true
	}
	return !v.LessThan(min)
}
