package participant

import "strings"

// Actions checked against a participant's permission set.
const (
	ActionAddNode          = "node.add"
	ActionEditNode         = "node.edit"
	ActionDeleteNode       = "node.delete"
	ActionModifyConnection = "connection.modify"
	ActionEditMetadata     = "document.edit"
)

// Permissions is the opaque snapshot handed over by the auth provider.
type Permissions struct {
	// Actions holds grants: "*" for everything, "prefix.*" for a family
	// of actions, or an exact action name.
	Actions []string
	// Scopes whitelists the scopes the grants apply to. Empty means all.
	Scopes []string
}

// Allows reports whether the grants cover action within scope.
func (p Permissions) Allows(action, scope string) bool {
	if !p.allowsScope(scope) {
		return false
	}
	for _, grant := range p.Actions {
		if grantMatches(grant, action) {
			return true
		}
	}
	return false
}

func (p Permissions) allowsScope(scope string) bool {
	if len(p.Scopes) == 0 || scope == "" {
		return true
	}
	for _, s := range p.Scopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}

func grantMatches(grant, action string) bool {
	if grant == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(grant, ".*"); ok {
		return strings.HasPrefix(action, prefix+".")
	}
	return grant == action
}

// Copy returns a deep copy.
func (p Permissions) Copy() Permissions {
	return Permissions{
		Actions: append([]string(nil), p.Actions...),
		Scopes:  append([]string(nil), p.Scopes...),
	}
}
