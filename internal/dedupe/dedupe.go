// Package dedupe computes stable identities for findings and change
// classification for probe results across repeated scans.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// FindingHash returns the deterministic dedup hash for a vulnerability
// finding. The matched URL is normalized first so the same issue observed
// over http and https (the dominant cause of false "new" findings) hashes
// identically.
func FindingHash(templateID, host, matchedAt, name, matcherName string) string {
	data := templateID + "|" + host + "|" + NormalizeURL(matchedAt) + "|" + name + "|" + matcherName
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL canonicalizes a matched-at URL for identity purposes:
// lowercased host, no scheme, default ports stripped (80/443), non-default
// ports kept, a single trailing slash stripped from the path, query string
// kept verbatim. Query parameters frequently carry the vulnerability's
// identity (e.g. an injectable parameter name), so they are never dropped.
// Malformed input falls back to a lowercased, trailing-slash-stripped copy.
func NormalizeURL(raw string) string {
	if raw == "" {
		return ""
	}

	toParse := raw
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		toParse = "http://" + raw
	}

	u, err := url.Parse(toParse)
	if err != nil || u.Hostname() == "" {
		return strings.TrimSuffix(strings.ToLower(raw), "/")
	}

	host := strings.ToLower(u.Hostname())

	port := ""
	if p := u.Port(); p != "" && p != "80" && p != "443" {
		port = ":" + p
	}

	path := strings.TrimSuffix(u.EscapedPath(), "/")

	query := ""
	if u.RawQuery != "" {
		query = "?" + u.RawQuery
	}

	return host + port + path + query
}

// ChangeStatus classifies a probe result relative to the most recent prior
// observation of the same URL.
type ChangeStatus string

const (
	ChangeNew     ChangeStatus = "new"
	ChangeChanged ChangeStatus = "changed"
	ChangeOld     ChangeStatus = "old"
)

// PriorProbe is the slice of the latest stored probe row that change
// classification compares against.
type PriorProbe struct {
	StatusCode int
	Title      string
}

// ClassifyProbe diffs the new observation against the single latest prior
// row for the URL. Only status code and title participate in the diff;
// technology changes alone do not mark a host changed.
func ClassifyProbe(prior *PriorProbe, statusCode int, title string) ChangeStatus {
	if prior == nil {
		return ChangeNew
	}
	if prior.StatusCode != statusCode || prior.Title != title {
		return ChangeChanged
	}
	return ChangeOld
}
