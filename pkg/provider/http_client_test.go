package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"
)

func staticTokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
}

func TestListProjectsFollowsNextPageToken(t *testing.T) {
	pages := [][]string{{"proj-1", "proj-2"}, {"proj-3"}}
	var requests []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.RawQuery)

		idx := 0
		if r.URL.Query().Get("pageToken") == "page-2" {
			idx = 1
		}

		resp := struct {
			Projects []struct {
				ProjectID string `json:"projectId"`
			} `json:"projects"`
			NextPageToken string `json:"nextPageToken"`
		}{}
		for _, id := range pages[idx] {
			resp.Projects = append(resp.Projects, struct {
				ProjectID string `json:"projectId"`
			}{ProjectID: id})
		}
		if idx == 0 {
			resp.NextPageToken = "page-2"
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, staticTokenSource())
	ids, err := p.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("ListProjects() error = %v", err)
	}

	want := []string{"proj-1", "proj-2", "proj-3"}
	if len(ids) != len(want) {
		t.Fatalf("ListProjects() = %v, want %v", ids, want)
	}
	for i, id := range want {
		if ids[i] != id {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], id)
		}
	}
	if len(requests) != 2 {
		t.Fatalf("want 2 requests across the paged response, got %d: %v", len(requests), requests)
	}
}

func TestListProjectsFallsBackWhenFilterUnsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filter") != "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		resp := struct {
			Projects []struct {
				ProjectID string `json:"projectId"`
			} `json:"projects"`
			NextPageToken string `json:"nextPageToken"`
		}{}
		resp.Projects = append(resp.Projects, struct {
			ProjectID string `json:"projectId"`
		}{ProjectID: "proj-unfiltered"})

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, staticTokenSource())
	ids, err := p.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("ListProjects() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "proj-unfiltered" {
		t.Fatalf("ListProjects() = %v, want [proj-unfiltered]", ids)
	}
}

func TestListBillingAccountsFollowsNextPageToken(t *testing.T) {
	pages := [][]string{{"billingAccounts/AAA"}, {"billingAccounts/BBB"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := 0
		if r.URL.Query().Get("pageToken") == "page-2" {
			idx = 1
		}

		resp := struct {
			BillingAccounts []struct {
				Name        string `json:"name"`
				DisplayName string `json:"displayName"`
				Open        bool   `json:"open"`
			} `json:"billingAccounts"`
			NextPageToken string `json:"nextPageToken"`
		}{}
		for _, name := range pages[idx] {
			resp.BillingAccounts = append(resp.BillingAccounts, struct {
				Name        string `json:"name"`
				DisplayName string `json:"displayName"`
				Open        bool   `json:"open"`
			}{Name: name, DisplayName: name, Open: true})
		}
		if idx == 0 {
			resp.NextPageToken = "page-2"
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, staticTokenSource())
	accounts, err := p.ListBillingAccounts(context.Background())
	if err != nil {
		t.Fatalf("ListBillingAccounts() error = %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("ListBillingAccounts() = %v, want 2 accounts across both pages", accounts)
	}
	if accounts[0].Name != "billingAccounts/AAA" || accounts[1].Name != "billingAccounts/BBB" {
		t.Fatalf("ListBillingAccounts() = %v, want accounts from both pages in order", accounts)
	}
}

func TestGetProjectBillingMapsForbiddenToPermissionDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, staticTokenSource())
	_, err := p.GetProjectBilling(context.Background(), "proj-1")
	if err != ErrPermissionDenied {
		t.Fatalf("GetProjectBilling() error = %v, want ErrPermissionDenied", err)
	}
}
