package auth

import (
	"fmt"
	"strings"
)

// Role is one of the three fixed roles of the platform.
type Role string

const (
	RoleSuperAdmin   Role = "SUPER_ADMIN"
	RoleCompanyAdmin Role = "COMPANY_ADMIN"
	RoleEmployee     Role = "EMPLOYEE"
)

// ParseRole accepts any casing.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(raw)))
	switch r {
	case RoleSuperAdmin, RoleCompanyAdmin, RoleEmployee:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
}

// Actor is the authenticated caller. Employees and company admins belong to
// exactly one company; super admins to none.
type Actor struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	CompanyID string `json:"company_id,omitempty"`
}

func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: actor id is required", ErrInvalidInput)
	}
	if _, err := ParseRole(string(a.Role)); err != nil {
		return err
	}
	if a.Role != RoleSuperAdmin && strings.TrimSpace(a.CompanyID) == "" {
		return fmt.Errorf("%w: %s must belong to a company", ErrInvalidInput, a.Role)
	}
	return nil
}

func (a Actor) IsAdmin() bool { return a.Role == RoleSuperAdmin || a.Role == RoleCompanyAdmin }
