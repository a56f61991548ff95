package auth

const (
	ScopeOpenID         = "openid"
	ScopeProfile        = "profile"
	ScopeEmail          = "email"
	ScopeWorkflowsRun   = "workflows:run"
	ScopeWorkflowsAdmin = "workflows:admin"
)

// LoginScopes are requested by the browser login flow.
var LoginScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
}
