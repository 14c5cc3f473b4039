package rbac

import "strings"

const (
	// WildcardResource matches every resource.
	WildcardResource = "all"
	// WildcardAction matches every action.
	WildcardAction = "*"
	// SuperPermission matches every permission.
	SuperPermission = "all:*"
)

// SplitPermission splits "resource:action" on the first colon.
func SplitPermission(p string) (resource, action string) {
	resource, action, _ = strings.Cut(p, ":")
	return resource, action
}

// ValidPermission reports whether p has a non-empty resource and action.
func ValidPermission(p string) bool {
	resource, action, ok := strings.Cut(p, ":")
	return ok && resource != "" && action != ""
}

// Matches reports whether the held permission grants required.
func Matches(held, required string) bool {
	if held == SuperPermission {
		return true
	}
	hr, ha := SplitPermission(held)
	rr, ra := SplitPermission(required)
	return (hr == rr || hr == WildcardResource) && (ha == ra || ha == WildcardAction)
}
