package capability

import "github.com/oriys/nexus/internal/domain"

// PolicyRule is one ordered entry of a policy: allow or deny a pattern.
type PolicyRule struct {
	Allow   bool
	Pattern string
}

// Policy is a named ordered rule list applied to the grant map.
type Policy struct {
	Name  string
	Rules []PolicyRule
}

// The three built-in policies. "sandbox" is deny-heavy and read-only,
// "developer" is a broad allow with explicit sensitive denies,
// "production" sits in between.
//
// Lookup is first-match over wildcard grants in insertion order, so
// every policy lists its denies before its allows; a deny inserted
// after a broader matching allow would be unreachable.
var builtinPolicies = map[string]Policy{
	"sandbox": {
		Name: "sandbox",
		Rules: []PolicyRule{
			{Allow: false, Pattern: "fs:write:**"},
			{Allow: false, Pattern: "fs:watch:**"},
			{Allow: false, Pattern: "proc:exec:**"},
			{Allow: false, Pattern: "proc:kill:*"},
			{Allow: false, Pattern: "net:http:**"},
			{Allow: true, Pattern: "fs:read:**"},
			{Allow: true, Pattern: "fs:list:**"},
			{Allow: true, Pattern: "fs:stat:**"},
			{Allow: true, Pattern: "proc:list:*"},
			{Allow: true, Pattern: "utils:*:**"},
			{Allow: true, Pattern: "shell:exec:**"},
		},
	},
	"developer": {
		Name: "developer",
		Rules: []PolicyRule{
			{Allow: false, Pattern: "fs:write:/etc/**"},
			{Allow: false, Pattern: "fs:write:/boot/**"},
			{Allow: false, Pattern: "proc:kill:1"},
			{Allow: true, Pattern: "fs:*:**"},
			{Allow: true, Pattern: "proc:*:**"},
			{Allow: true, Pattern: "net:*:**"},
			{Allow: true, Pattern: "utils:*:**"},
			{Allow: true, Pattern: "shell:*:**"},
		},
	},
	"production": {
		Name: "production",
		Rules: []PolicyRule{
			{Allow: false, Pattern: "fs:write:/etc/**"},
			{Allow: false, Pattern: "proc:kill:*"},
			{Allow: true, Pattern: "fs:read:**"},
			{Allow: true, Pattern: "fs:list:**"},
			{Allow: true, Pattern: "fs:stat:**"},
			{Allow: true, Pattern: "fs:write:/tmp/**"},
			{Allow: true, Pattern: "fs:write:/var/tmp/**"},
			{Allow: true, Pattern: "proc:list:*"},
			{Allow: true, Pattern: "proc:exec:**"},
			{Allow: true, Pattern: "net:http:**"},
			{Allow: true, Pattern: "utils:*:**"},
			{Allow: true, Pattern: "shell:*:**"},
		},
	},
}

// PolicyNames lists the built-in policy names.
func PolicyNames() []string {
	return []string{"sandbox", "developer", "production"}
}

// ApplyPolicy replays a named policy's rules onto the grant map in
// order. Deny rules land as explicit denies; since wildcard lookup is
// first-match in insertion order, a deny only narrows allows inserted
// after it, which is why each policy lists its denies first.
func (s *Store) ApplyPolicy(name string) error {
	pol, ok := builtinPolicies[name]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "unknown policy %q", name)
	}
	for _, rule := range pol.Rules {
		if rule.Allow {
			s.Grant(rule.Pattern)
		} else {
			s.Revoke(rule.Pattern)
		}
	}
	return nil
}
