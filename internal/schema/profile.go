package schema

import (
	"fmt"
	"strings"
)

// UserProfile holds account data. Email is owned by the server; the client
// never wins a conflict on it.
type UserProfile struct {
	Base

	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	// Profile carries goals and preferences as a nested document.
	Profile map[string]any `json:"profile,omitempty"`
}

func (p *UserProfile) Kind() Kind { return KindUserProfile }

func (p *UserProfile) Validate() error {
	if err := p.Base.validate(); err != nil {
		return err
	}
	if p.Email == "" {
		return fmt.Errorf("email is required")
	}
	if !strings.Contains(p.Email, "@") {
		return fmt.Errorf("email %q is not an address", p.Email)
	}
	return nil
}
