package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Credentials is one username/password pair, with an optional domain.
type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	Domain   string `json:"domain,omitempty"`
}

// RdpIdentity maps the proxy-side credentials a client presents to the
// target-side credentials replayed on the backend leg.
type RdpIdentity struct {
	Proxy       Credentials `json:"proxy" validate:"required"`
	Target      Credentials `json:"target" validate:"required"`
	Destination string      `json:"destination" validate:"required,hostname_port"`
}

// IdentitiesProxy resolves proxy credentials from a JSON identities
// file and remembers the identity that matched, so the caller can dial
// its destination with the target credentials.
type IdentitiesProxy struct {
	filename string

	mu       sync.Mutex
	resolved *RdpIdentity
}

func NewIdentitiesProxy(filename string) *IdentitiesProxy {
	return &IdentitiesProxy{filename: filename}
}

// LoadIdentities reads and validates the identities file.
func LoadIdentities(filename string) ([]RdpIdentity, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var identities []RdpIdentity
	if err := json.Unmarshal(contents, &identities); err != nil {
		return nil, fmt.Errorf("identity: failed to read the json data: %w", err)
	}

	validate := validator.New()
	for i := range identities {
		if err := validate.Struct(&identities[i]); err != nil {
			return nil, fmt.Errorf("identity: invalid record %d: %w", i, err)
		}
	}
	return identities, nil
}

// PasswordByUser implements nla.CredentialsProxy: it matches the
// proxy-side username the client presented and returns its password.
func (p *IdentitiesProxy) PasswordByUser(username, domain string) (string, error) {
	identities, err := LoadIdentities(p.filename)
	if err != nil {
		return "", err
	}

	for i := range identities {
		if identities[i].Proxy.Username == username {
			p.mu.Lock()
			p.resolved = &identities[i]
			p.mu.Unlock()
			return identities[i].Proxy.Password, nil
		}
	}
	return "", fmt.Errorf("identity: no identity with the username %q", username)
}

// Resolved returns the identity matched by the last successful lookup.
func (p *IdentitiesProxy) Resolved() *RdpIdentity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}
