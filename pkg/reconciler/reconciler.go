// Package reconciler runs the seven-phase per-identity reconciliation cycle:
// ensure the identity row, discover provider state, upsert billing accounts,
// classify each project's billing binding, detach stale bindings, allocate unbound projects onto open billing accounts, and
// persist the observed state.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ardentops/fleetbind/internal/telemetry"
	"github.com/ardentops/fleetbind/pkg/planner"
	"github.com/ardentops/fleetbind/pkg/provider"
	"github.com/ardentops/fleetbind/pkg/store"
)

// Config controls phase 6 (allocation).
type Config struct {
	EnableAutoSwitch      bool
	MaxProjectsPerBilling int
}

// Reconciler runs one identity's cycle against its own Store and Provider.
type Reconciler struct {
	store  store.Store
	logger *slog.Logger
	cfg    Config
}

// New builds a Reconciler. st and logger are shared across identities; a
// fresh Provider is supplied per call to Run.
func New(st store.Store, logger *slog.Logger, cfg Config) *Reconciler {
	return &Reconciler{store: st, logger: logger, cfg: cfg}
}

// classifiedProject tracks one project's observed and target binding through
// the phases, so phase 7 can persist a single final snapshot.
type classifiedProject struct {
	projectID   string
	billingName string // "" once unbound
}

// Run executes one reconciliation cycle for identityName against prov.
// credentialsFile and email are used only if the identity row does not yet
// exist.
func (r *Reconciler) Run(ctx context.Context, identityName, email, credentialsFile string, prov provider.Provider) error {
	// Phase 1: ensure identity row.
	identity, err := r.store.EnsureIdentity(ctx, identityName, email, credentialsFile)
	if err != nil {
		return fmt.Errorf("ensuring identity %q: %w", identityName, err)
	}

	// Phase 2: discover.
	projectIDs, err := prov.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("listing projects for %q: %w", identityName, err)
	}
	billingAccounts, err := prov.ListBillingAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing billing accounts for %q: %w", identityName, err)
	}

	// Phase 3: upsert billing accounts.
	openBillings := make(map[string]bool, len(billingAccounts))
	usage := make(map[string]int, len(billingAccounts))
	for _, ba := range billingAccounts {
		if _, err := r.store.UpsertBillingAccount(ctx, identity.ID, ba.Name, ba.DisplayName, accountShortID(ba.Name), ba.Open); err != nil {
			return fmt.Errorf("upserting billing account %q for %q: %w", ba.Name, identityName, err)
		}
		if ba.Open {
			openBillings[ba.Name] = true
		}
	}

	// Phase 4: classify projects.
	var boundHealthy, boundStale, unbound []classifiedProject
	for _, pid := range projectIDs {
		billingName, err := prov.GetProjectBilling(ctx, pid)
		if err == provider.ErrPermissionDenied {
			continue // treated as unknown this cycle, not a failure
		}
		if err != nil {
			return fmt.Errorf("getting billing for project %q of %q: %w", pid, identityName, err)
		}

		cp := classifiedProject{projectID: pid, billingName: billingName}
		switch {
		case billingName == "":
			unbound = append(unbound, cp)
		case openBillings[billingName]:
			boundHealthy = append(boundHealthy, cp)
			usage[billingName]++
		default:
			boundStale = append(boundStale, cp)
		}
	}

	// Phase 5: detach stale. Projects successfully detached move into unbound
	// entirely (billingName cleared) so phase 7 persists each project exactly
	// once; stillStale keeps only the ones whose detach call failed.
	var stillStale []classifiedProject
	for _, cp := range boundStale {
		oldValue := cp.billingName
		if err := prov.SetProjectBilling(ctx, cp.projectID, ""); err != nil {
			stillStale = append(stillStale, cp)
			r.logEvent(ctx, store.OperationEvent{
				Type: store.EventUnbind, Identity: identityName, ProjectID: strPtr(cp.projectID),
				OldValue: oldValue, NewValue: "", Status: store.StatusFailed, Message: err.Error(),
			})
			continue
		}
		cp.billingName = ""
		unbound = append(unbound, cp)
		r.logEvent(ctx, store.OperationEvent{
			Type: store.EventUnbind, Identity: identityName, ProjectID: strPtr(cp.projectID),
			OldValue: oldValue, NewValue: "", Status: store.StatusSuccess,
		})
	}
	boundStale = stillStale

	// Phase 6: allocate.
	if r.cfg.EnableAutoSwitch && len(unbound) > 0 && len(openBillings) > 0 {
		var billingList []planner.Billing
		for name := range openBillings {
			billingList = append(billingList, planner.Billing{Name: name, Usage: usage[name]})
		}

		var unboundIDs []string
		byID := make(map[string]int, len(unbound))
		for i, cp := range unbound {
			unboundIDs = append(unboundIDs, cp.projectID)
			byID[cp.projectID] = i
		}

		assigned, _ := planner.Plan(unboundIDs, billingList, r.cfg.MaxProjectsPerBilling)

		// Projects left out of assigned stay unbound in the final snapshot;
		// unbound[i].billingName is only updated for those we managed to bind.
		for _, a := range assigned {
			if err := prov.SetProjectBilling(ctx, a.ProjectID, a.BillingName); err != nil {
				r.logEvent(ctx, store.OperationEvent{
					Type: store.EventAutoBind, Identity: identityName, ProjectID: strPtr(a.ProjectID),
					OldValue: "", NewValue: a.BillingName, Status: store.StatusFailed, Message: err.Error(),
				})
				continue
			}
			unbound[byID[a.ProjectID]].billingName = a.BillingName
			r.logEvent(ctx, store.OperationEvent{
				Type: store.EventAutoBind, Identity: identityName, ProjectID: strPtr(a.ProjectID),
				OldValue: "", NewValue: a.BillingName, Status: store.StatusSuccess,
			})
		}
	}

	// Phase 7: persist final observed state.
	bindings := make([]store.ProjectBinding, 0, len(boundHealthy)+len(boundStale)+len(unbound))
	for _, cp := range boundHealthy {
		bindings = append(bindings, toBinding(cp, billingAccounts))
	}
	for _, cp := range boundStale {
		bindings = append(bindings, toBinding(cp, billingAccounts))
	}
	for _, cp := range unbound {
		bindings = append(bindings, toBinding(cp, billingAccounts))
	}

	if err := r.store.PersistCycle(ctx, identity.ID, bindings); err != nil {
		return fmt.Errorf("persisting cycle for %q: %w", identityName, err)
	}

	return nil
}

func (r *Reconciler) logEvent(ctx context.Context, ev store.OperationEvent) {
	if err := r.store.LogEvent(ctx, ev); err != nil {
		telemetry.AuditLogFailedTotal.Inc()
		r.logger.Error("failed to write operation event", "type", ev.Type, "identity", ev.Identity, "error", err)
	}
}

func toBinding(cp classifiedProject, billingAccounts []provider.BillingAccount) store.ProjectBinding {
	b := store.ProjectBinding{ProjectID: cp.projectID}
	if cp.billingName == "" {
		return b
	}
	for _, ba := range billingAccounts {
		if ba.Name == cp.billingName {
			id := accountShortID(ba.Name)
			b.BillingAccountID = &id
			name := ba.Name
			b.BillingName = &name
			display := ba.DisplayName
			b.BillingDisplayName = &display
			return b
		}
	}
	return b
}

func accountShortID(fullName string) string {
	if i := strings.LastIndex(fullName, "/"); i >= 0 {
		return fullName[i+1:]
	}
	return fullName
}

func strPtr(s string) *string { return &s }
