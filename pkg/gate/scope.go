package gate

// blockedActions is the fixed, non-configurable list of irreversible
// operations an autonomous session may never perform, regardless of role
// allow-lists.
var blockedActions = []string{
	"force_push",
	"delete_branch",
	"delete_repository",
	"rotate_credentials",
	"drop_database",
	"delete_backup",
	"modify_audit_log",
	"disable_gate",
}

// Blocked reports whether action is on the fixed block-list.
func Blocked(action string) bool {
	for _, b := range blockedActions {
		if action == b {
			return true
		}
	}
	return false
}

// CheckScope returns the performed actions that fall outside the role's
// scope: anything on the fixed block-list, plus — when the allow-list is
// non-empty — anything not allow-listed. An empty allow-list restricts
// nothing by itself; the block-list always applies.
func CheckScope(performed, allowed []string) []string {
	permitted := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		permitted[a] = true
	}

	seen := make(map[string]bool)
	var violations []string
	for _, action := range performed {
		if action == "" || seen[action] {
			continue
		}
		if Blocked(action) || (len(allowed) > 0 && !permitted[action]) {
			seen[action] = true
			violations = append(violations, action)
		}
	}
	return violations
}
