package tenancy

import (
	"fmt"
	"net/http"
	"regexp"
)

// maxOrganizationLen matches the width of organization columns.
const maxOrganizationLen = 40

var organizationRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9_-]*[A-Za-z0-9])?$`)

// OrganizationQueryParam is the query parameter name used for organization resolution.
const OrganizationQueryParam = "organization"

// OrganizationHeader is the HTTP header used for organization resolution.
const OrganizationHeader = "X-Organization"

// UserHeader is the HTTP header carrying the authenticated caller.
const UserHeader = "X-User-Principal"

// OrgResolver resolves the organization context from an HTTP request.
type OrgResolver interface {
	Resolve(r *http.Request) (OrgContext, error)
}

// SingleOrgResolver always returns the same organization.
type SingleOrgResolver struct {
	Organization string
}

// Resolve returns the configured organization, or DefaultOrganization.
func (s SingleOrgResolver) Resolve(r *http.Request) (OrgContext, error) {
	org := s.Organization
	if org == "" {
		org = DefaultOrganization
	}
	return OrgContext{Organization: org, User: r.Header.Get(UserHeader)}, nil
}

// RequestOrgResolver reads the organization from the request query
// parameter or header. The organization is always required.
type RequestOrgResolver struct{}

// Resolve extracts the organization from the request. It checks the query
// parameter first, then falls back to the X-Organization header.
func (RequestOrgResolver) Resolve(r *http.Request) (OrgContext, error) {
	org := r.URL.Query().Get(OrganizationQueryParam)
	if org == "" {
		org = r.Header.Get(OrganizationHeader)
	}

	if org == "" {
		return OrgContext{}, fmt.Errorf("organization is required in multi mode (use ?organization= query param or X-Organization header)")
	}
	if err := ValidateOrganization(org); err != nil {
		return OrgContext{}, err
	}
	return OrgContext{Organization: org, User: r.Header.Get(UserHeader)}, nil
}

// ValidateOrganization checks that an organization identifier is 1-40
// characters of letters, digits, hyphens and underscores, starting and
// ending with a letter or digit.
func ValidateOrganization(org string) error {
	if len(org) > maxOrganizationLen {
		return fmt.Errorf("organization %q exceeds maximum length of %d characters", org, maxOrganizationLen)
	}
	if !organizationRe.MatchString(org) {
		return fmt.Errorf("organization %q is invalid: must consist of letters, digits, hyphens or underscores, and must start and end with a letter or digit", org)
	}
	return nil
}
