// Package scopes resolves effective token scopes. The rule everywhere is
// intersection: a caller can narrow what a session may do, never widen it.
package scopes

// Supported is the scope catalog exposed on the OAuth metadata endpoints.
var Supported = map[string]string{
	"users:read":         "Read information about users.",
	"users:edit":         "Edit information about users.",
	"events:read":        "Read information about events.",
	"events:edit":        "Edit information about events.",
	"token_family:read":  "Read all token families from DB",
	"ticket_groups:read": "Read information about ticket groups.",
	"ticket_groups:edit": "Edit information about ticket groups.",
	"tickets:read":       "Read information about tickets.",
	"tickets:edit":       "Edit information about tickets.",
}

// SupportedList returns the catalog keys in stable order for metadata
// responses.
func SupportedList() []string {
	out := make([]string, 0, len(Supported))
	for _, s := range []string{
		"users:read", "users:edit",
		"events:read", "events:edit",
		"token_family:read",
		"ticket_groups:read", "ticket_groups:edit",
		"tickets:read", "tickets:edit",
	} {
		if _, ok := Supported[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Intersect computes the effective scope set. The result is always a subset
// of granted. A nil stored set means the session has no stored narrowing
// yet (fresh login); an empty requested set means the caller wants whatever
// the session allows. Requested scopes outside the intersection are dropped
// silently, never added.
func Intersect(granted, stored, requested []string) []string {
	eff := make([]string, 0, len(granted))
	for _, s := range granted {
		if stored != nil && !Contains(stored, s) {
			continue
		}
		if len(requested) > 0 && !Contains(requested, s) {
			continue
		}
		if !Contains(eff, s) {
			eff = append(eff, s)
		}
	}
	return eff
}

func Contains(set []string, scope string) bool {
	for _, s := range set {
		if s == scope {
			return true
		}
	}
	return false
}

func IsSubset(sub, super []string) bool {
	for _, s := range sub {
		if !Contains(super, s) {
			return false
		}
	}
	return true
}
