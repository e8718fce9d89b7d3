// Package planner decides which open billing account an unbound project
// should be assigned to, as a pure function of the billing accounts' current
// usage. It makes no network or store calls.
package planner

import (
	"sort"

	"github.com/ardentops/fleetbind/internal/telemetry"
)

// Allocation assigns one project to one billing account.
type Allocation struct {
	ProjectID   string
	BillingName string
}

// Billing is one candidate billing account, with its current bound-project
// count.
type Billing struct {
	Name  string
	Usage int
}

// Plan assigns as many projectIDs as possible to the open billing accounts in
// billings, never pushing any account's usage above maxPerAccount. Billing
// accounts with no remaining slots are skipped. Projects that cannot be
// placed (every account full) are returned in deferred, in their original
// order.
//
// Candidate accounts are tried most-loaded-first: sorted by (usage desc,
// slots desc, name asc). Filling the fullest accounts first concentrates
// projects onto fewer billing accounts rather than spreading thin, and the
// name tie-break makes the result deterministic across runs with identical
// usage.
func Plan(projectIDs []string, billings []Billing, maxPerAccount int) (assigned []Allocation, deferred []string) {
	candidates := make([]Billing, len(billings))
	copy(candidates, billings)

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := slots(candidates[i], maxPerAccount), slots(candidates[j], maxPerAccount)
		if candidates[i].Usage != candidates[j].Usage {
			return candidates[i].Usage > candidates[j].Usage
		}
		if si != sj {
			return si > sj
		}
		return candidates[i].Name < candidates[j].Name
	})

	for _, projectID := range projectIDs {
		target := -1
		for i, b := range candidates {
			if slots(b, maxPerAccount) > 0 {
				target = i
				break
			}
		}
		if target == -1 {
			deferred = append(deferred, projectID)
			continue
		}

		assigned = append(assigned, Allocation{ProjectID: projectID, BillingName: candidates[target].Name})
		candidates[target].Usage++
		telemetry.AllocationsTotal.Inc()
		resort(candidates, maxPerAccount)
	}

	return assigned, deferred
}

func slots(b Billing, maxPerAccount int) int {
	s := maxPerAccount - b.Usage
	if s < 0 {
		return 0
	}
	return s
}

// resort re-establishes the (usage desc, slots desc, name asc) ordering after
// a single account's usage changes. It re-sorts the whole slice rather than
// moving only the updated entry; the candidate lists here are small (bounded
// by open billing accounts per identity), and the name tie-break makes the
// order total, so the result does not depend on sort stability.
func resort(candidates []Billing, maxPerAccount int) {
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := slots(candidates[i], maxPerAccount), slots(candidates[j], maxPerAccount)
		if candidates[i].Usage != candidates[j].Usage {
			return candidates[i].Usage > candidates[j].Usage
		}
		if si != sj {
			return si > sj
		}
		return candidates[i].Name < candidates[j].Name
	})
}
