package planner

import (
	"reflect"
	"testing"
)

func TestPlanFillsMostLoadedAccountFirst(t *testing.T) {
	billings := []Billing{
		{Name: "billingAccounts/AAA", Usage: 1},
		{Name: "billingAccounts/BBB", Usage: 0},
	}

	assigned, deferred := Plan([]string{"proj-1"}, billings, 3)

	if len(deferred) != 0 {
		t.Fatalf("want no deferred, got %v", deferred)
	}
	if len(assigned) != 1 || assigned[0].BillingName != "billingAccounts/AAA" {
		t.Fatalf("want proj-1 on AAA (more loaded), got %+v", assigned)
	}
}

func TestPlanTieBreaksByBillingNameAscending(t *testing.T) {
	billings := []Billing{
		{Name: "billingAccounts/ZZZ", Usage: 0},
		{Name: "billingAccounts/AAA", Usage: 0},
	}

	assigned, _ := Plan([]string{"proj-1"}, billings, 3)

	if len(assigned) != 1 || assigned[0].BillingName != "billingAccounts/AAA" {
		t.Fatalf("want tie broken toward AAA, got %+v", assigned)
	}
}

func TestPlanDefersWhenEveryAccountFull(t *testing.T) {
	billings := []Billing{
		{Name: "billingAccounts/AAA", Usage: 3},
		{Name: "billingAccounts/BBB", Usage: 3},
	}

	assigned, deferred := Plan([]string{"proj-1", "proj-2"}, billings, 3)

	if len(assigned) != 0 {
		t.Fatalf("want no assignments, got %+v", assigned)
	}
	if !reflect.DeepEqual(deferred, []string{"proj-1", "proj-2"}) {
		t.Fatalf("want both deferred in order, got %v", deferred)
	}
}

func TestPlanNeverExceedsCapacityAndSpillsToNextAccount(t *testing.T) {
	billings := []Billing{
		{Name: "billingAccounts/AAA", Usage: 2},
		{Name: "billingAccounts/BBB", Usage: 0},
	}

	assigned, deferred := Plan([]string{"p1", "p2", "p3"}, billings, 3)

	if len(deferred) != 0 {
		t.Fatalf("want no deferred, got %v", deferred)
	}

	usage := map[string]int{"billingAccounts/AAA": 2, "billingAccounts/BBB": 0}
	for _, a := range assigned {
		usage[a.BillingName]++
	}
	for name, u := range usage {
		if u > 3 {
			t.Fatalf("account %s exceeded capacity: %d", name, u)
		}
	}

	if assigned[0].BillingName != "billingAccounts/AAA" {
		t.Fatalf("want first project to fill the more-loaded account first, got %+v", assigned[0])
	}
}

func TestPlanEmptyInputsReturnNothing(t *testing.T) {
	assigned, deferred := Plan(nil, []Billing{{Name: "billingAccounts/AAA"}}, 3)
	if len(assigned) != 0 || len(deferred) != 0 {
		t.Fatalf("want no assignments or deferrals for empty project list, got %+v / %v", assigned, deferred)
	}
}

func TestPlanNoOpenBillingAccountsDefersEverything(t *testing.T) {
	assigned, deferred := Plan([]string{"p1"}, nil, 3)
	if len(assigned) != 0 {
		t.Fatalf("want no assignments with zero billing accounts, got %+v", assigned)
	}
	if !reflect.DeepEqual(deferred, []string{"p1"}) {
		t.Fatalf("want p1 deferred, got %v", deferred)
	}
}
