package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/ardentops/fleetbind/pkg/retry"
)

// HTTPProvider is a thin JSON-over-HTTP client against the cloud provider's
// resource-manager and billing REST surfaces, authenticated via a
// per-identity OAuth2 token source.
type HTTPProvider struct {
	httpClient *http.Client
	baseURL    string
	projectID  string // the GCP "quota project", i.e. this identity's own project
}

// NewHTTPProvider builds a provider client for one identity, using ts to
// authenticate every request.
func NewHTTPProvider(baseURL string, ts oauth2.TokenSource) *HTTPProvider {
	return &HTTPProvider{
		httpClient: oauth2.NewClient(context.Background(), ts),
		baseURL:    baseURL,
	}
}

var _ Provider = (*HTTPProvider)(nil)

func (p *HTTPProvider) ListProjects(ctx context.Context) ([]string, error) {
	var ids []string
	pageToken := ""

	for {
		u := p.baseURL + "/v1/projects?filter=state:ACTIVE"
		if pageToken != "" {
			u += "&pageToken=" + url.QueryEscape(pageToken)
		}

		var page struct {
			Projects []struct {
				ProjectID string `json:"projectId"`
			} `json:"projects"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := p.doJSON(ctx, http.MethodGet, u, nil, &page); err != nil {
			if isUnsupportedFilter(err) {
				return p.listProjectsUnfiltered(ctx)
			}
			return nil, fmt.Errorf("listing projects: %w", err)
		}

		for _, proj := range page.Projects {
			ids = append(ids, proj.ProjectID)
		}

		if page.NextPageToken == "" {
			return ids, nil
		}
		pageToken = page.NextPageToken
	}
}

func (p *HTTPProvider) listProjectsUnfiltered(ctx context.Context) ([]string, error) {
	var ids []string
	pageToken := ""

	for {
		u := p.baseURL + "/v1/projects"
		if pageToken != "" {
			u += "?pageToken=" + url.QueryEscape(pageToken)
		}

		var page struct {
			Projects []struct {
				ProjectID string `json:"projectId"`
			} `json:"projects"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := p.doJSON(ctx, http.MethodGet, u, nil, &page); err != nil {
			return nil, fmt.Errorf("listing projects (unfiltered): %w", err)
		}

		for _, proj := range page.Projects {
			ids = append(ids, proj.ProjectID)
		}

		if page.NextPageToken == "" {
			return ids, nil
		}
		pageToken = page.NextPageToken
	}
}

func (p *HTTPProvider) ListBillingAccounts(ctx context.Context) ([]BillingAccount, error) {
	var out []BillingAccount
	pageToken := ""

	for {
		u := p.baseURL + "/v1/billingAccounts"
		if pageToken != "" {
			u += "?pageToken=" + url.QueryEscape(pageToken)
		}

		var page struct {
			BillingAccounts []struct {
				Name        string `json:"name"`
				DisplayName string `json:"displayName"`
				Open        bool   `json:"open"`
			} `json:"billingAccounts"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := p.doJSON(ctx, http.MethodGet, u, nil, &page); err != nil {
			return nil, fmt.Errorf("listing billing accounts: %w", err)
		}

		for _, ba := range page.BillingAccounts {
			out = append(out, BillingAccount{Name: ba.Name, DisplayName: ba.DisplayName, Open: ba.Open})
		}

		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

func (p *HTTPProvider) GetProjectBilling(ctx context.Context, projectID string) (string, error) {
	var info struct {
		BillingAccountName string `json:"billingAccountName"`
	}

	u := fmt.Sprintf("%s/v1/projects/%s/billingInfo", p.baseURL, url.PathEscape(projectID))
	if err := p.doJSON(ctx, http.MethodGet, u, nil, &info); err != nil {
		var se *retry.StatusError
		if asStatusError(err, &se) && se.Code == http.StatusForbidden {
			return "", ErrPermissionDenied
		}
		return "", fmt.Errorf("getting project billing for %q: %w", projectID, err)
	}

	return info.BillingAccountName, nil
}

func (p *HTTPProvider) SetProjectBilling(ctx context.Context, projectID, billingName string) error {
	body := map[string]string{"billingAccountName": billingName}

	u := fmt.Sprintf("%s/v1/projects/%s/billingInfo", p.baseURL, url.PathEscape(projectID))
	if err := p.doJSON(ctx, http.MethodPut, u, body, nil); err != nil {
		return fmt.Errorf("setting project billing for %q: %w", projectID, err)
	}
	return nil
}

func (p *HTTPProvider) RemoveMemberFromRoles(ctx context.Context, resource, member string, roles []string) (bool, error) {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}

	var policy Policy
	if err := p.doJSON(ctx, http.MethodGet, p.baseURL+"/v1/"+resource+":getIamPolicy?options.requestedPolicyVersion=3", nil, &policy); err != nil {
		return false, fmt.Errorf("reading IAM policy for %q: %w", resource, err)
	}

	removed := false
	var kept []Binding
	for _, b := range policy.Bindings {
		if !roleSet[b.Role] {
			kept = append(kept, b)
			continue
		}

		var members []string
		for _, m := range b.Members {
			if m == member {
				removed = true
				continue
			}
			members = append(members, m)
		}
		if len(members) > 0 {
			kept = append(kept, Binding{Role: b.Role, Members: members})
		}
	}

	if !removed {
		return false, nil
	}

	policy.Bindings = kept
	if err := p.doJSON(ctx, http.MethodPost, p.baseURL+"/v1/"+resource+":setIamPolicy", map[string]any{"policy": policy}, nil); err != nil {
		return false, fmt.Errorf("writing IAM policy for %q: %w", resource, err)
	}

	return true, nil
}

func (p *HTTPProvider) doJSON(ctx context.Context, method, u string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &retry.StatusError{Code: resp.StatusCode, Err: fmt.Errorf("%s %s: status %d", method, u, resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func asStatusError(err error, target **retry.StatusError) bool {
	se, ok := err.(*retry.StatusError)
	if !ok {
		return false
	}
	*target = se
	return true
}

func isUnsupportedFilter(err error) bool {
	se, ok := err.(*retry.StatusError)
	return ok && se.Code == http.StatusBadRequest
}
