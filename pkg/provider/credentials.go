package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"
)

// serviceAccountFile is the subset of a service-account JSON credentials
// file this client needs to mint a bearer token.
type serviceAccountFile struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// scopes requested for the provider's project/billing management APIs.
var scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
}

// CredentialsPath returns the conventional path for an identity's
// credentials file: "{dir}/{name}.json".
func CredentialsPath(dir, name string) string {
	return filepath.Join(dir, name+".json")
}

// LoadTokenSource reads a service-account credentials file and returns a
// two-legged JWT-bearer oauth2.TokenSource for it, along with the account's
// email (used to populate Identity.Email on first sighting).
func LoadTokenSource(ctx context.Context, path string) (oauth2.TokenSource, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading credentials file %q: %w", path, err)
	}

	var sa serviceAccountFile
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, "", fmt.Errorf("parsing credentials file %q: %w", path, err)
	}

	cfg := &jwt.Config{
		Email:      sa.ClientEmail,
		PrivateKey: []byte(sa.PrivateKey),
		Scopes:     scopes,
		TokenURL:   sa.TokenURI,
	}

	return cfg.TokenSource(ctx), sa.ClientEmail, nil
}
