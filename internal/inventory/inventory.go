// Package inventory merges scan output into the monitored-asset store:
// enumeration results into the target/subdomain tree, probe results with
// change classification, and vulnerability findings with hash-based
// deduplication.
package inventory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/database"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/dedupe"
	"github.com/devtint/NUCLEI-CNM-sub000/internal/scanner"
)

// Merger applies scan results to the store
type Merger struct {
	db *database.DB
}

func NewMerger(db *database.DB) *Merger {
	return &Merger{db: db}
}

// EnumOutcome summarizes one enumeration merge
type EnumOutcome struct {
	TargetID      int64
	Total         int
	NewSubdomains []string
}

// MergeEnumeration folds one completed enumeration's deduplicated subdomain
// list into the inventory as a single atomic unit. Returns the subdomains
// seen for the first time, which drive conditional probing.
func (m *Merger) MergeEnumeration(scanID, rootDomain string, subdomains []string) (*EnumOutcome, error) {
	now := time.Now().Unix()
	out := &EnumOutcome{}

	err := m.db.WithTx(func(tx *database.DB) error {
		targetID, err := tx.UpsertTarget(rootDomain)
		if err != nil {
			return err
		}
		out.TargetID = targetID

		if err := tx.TouchTarget(targetID, now); err != nil {
			return err
		}

		seen := make(map[string]bool, len(subdomains))
		for _, sub := range subdomains {
			if sub == "" || seen[sub] {
				continue
			}
			seen[sub] = true

			existing, err := tx.FindSubdomain(targetID, sub)
			if err != nil {
				return err
			}

			isNew := existing == nil
			if isNew {
				if _, err := tx.InsertSubdomain(targetID, sub, now, now); err != nil {
					return err
				}
				out.NewSubdomains = append(out.NewSubdomains, sub)
			} else {
				if err := tx.TouchSubdomain(existing.ID, now); err != nil {
					return err
				}
			}

			if err := tx.InsertEnumResult(scanID, sub, isNew); err != nil {
				return err
			}
		}

		total, err := tx.RecountTargetSubdomains(targetID)
		if err != nil {
			return err
		}
		out.Total = total
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumeration merge for %s: %w", rootDomain, err)
	}
	return out, nil
}

// MergeProbeResults stores httpx observations, classifying each against the
// most recent prior observation of the same url. Returns the stored rows.
func (m *Merger) MergeProbeResults(scanID string, records []scanner.ProbeRecord) ([]*database.ProbeRow, error) {
	var rows []*database.ProbeRow

	err := m.db.WithTx(func(tx *database.DB) error {
		for _, rec := range records {
			if rec.URL == "" {
				continue
			}

			var prior *dedupe.PriorProbe
			latest, err := tx.FindLatestProbeResult(rec.URL)
			if err != nil {
				return err
			}
			if latest != nil {
				prior = &dedupe.PriorProbe{StatusCode: latest.StatusCode, Title: latest.Title}
			}

			tech := ""
			if len(rec.Technologies) > 0 {
				b, _ := json.Marshal(rec.Technologies)
				tech = string(b)
			}

			row := &database.ProbeRow{
				ScanID:       scanID,
				URL:          rec.URL,
				StatusCode:   rec.StatusCode,
				Title:        rec.Title,
				Technologies: tech,
				ChangeStatus: string(dedupe.ClassifyProbe(prior, rec.StatusCode, rec.Title)),
			}
			if err := tx.InsertProbeResult(row); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("probe merge: %w", err)
	}
	return rows, nil
}

// FindingsOutcome summarizes one finding batch merge
type FindingsOutcome struct {
	Total       int
	New         int
	Regressions []*database.FindingRecord
}

// MergeFindings upserts a batch of nuclei findings as one atomic unit,
// reporting how many were first observations and which regressed.
func (m *Merger) MergeFindings(scanID string, records []scanner.VulnRecord) (*FindingsOutcome, error) {
	out := &FindingsOutcome{}

	err := m.db.WithTx(func(tx *database.DB) error {
		for _, rec := range records {
			if rec.TemplateID == "" {
				continue
			}

			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}

			f := &database.FindingRecord{
				ScanID:      scanID,
				TemplateID:  rec.TemplateID,
				Name:        rec.Info.Name,
				Severity:    rec.Info.Severity,
				Host:        rec.Host,
				MatchedAt:   rec.MatchedAt,
				MatcherName: rec.MatcherName,
				FindingHash: dedupe.FindingHash(rec.TemplateID, rec.Host, rec.MatchedAt, rec.Info.Name, rec.MatcherName),
				RawJSON:     string(raw),
			}

			result, err := tx.UpsertFinding(f)
			if err != nil {
				return err
			}

			out.Total++
			if result.IsNew {
				out.New++
			}
			if result.IsRegression {
				out.Regressions = append(out.Regressions, f)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finding merge: %w", err)
	}
	return out, nil
}
