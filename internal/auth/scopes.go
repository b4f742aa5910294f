package auth

import "strings"

const (
	ScopeOpenID   = "openid"
	ScopeProfile  = "profile"
	ScopeEmail    = "email"
	ScopeRequests = "vmbroker:requests"
	ScopeApprove  = "vmbroker:approve"
)

// AllScopes defines the full set of scopes requested by the Swagger UI.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeRequests,
	ScopeApprove,
}

// hasScope reports whether a scope claim grants want. Providers send the
// claim either as a space separated string or as a list.
func hasScope(claim any, want string) bool {
	switch v := claim.(type) {
	case string:
		for _, s := range strings.Fields(v) {
			if s == want {
				return true
			}
		}
	case []any:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	}
	return false
}
