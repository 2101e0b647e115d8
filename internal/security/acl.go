package security

import (
	"context"
	"fmt"
	"path"
)

// =============================================================================
// OWNER ACCESS CONTROL
// =============================================================================
//
// A key may be scoped to job owners with glob patterns:
//
//   owners: ["billing-*", "ops"]
//
// lets the key schedule and cancel jobs for "billing-eu" and "ops" only.
// Admin keys and keys without patterns may act for any owner.
//
// Patterns use path.Match on every platform, so "*" stops at "/":
// "team/*" matches "team/a" but not "team/a/b". A pattern that is exactly
// "*" matches every owner, slashes included.
//
// =============================================================================

// AllowsOwner reports whether the key may act for owner.
func (k *APIKey) AllowsOwner(owner string) bool {
	if len(k.Owners) == 0 || k.HasRole(RoleAdmin) {
		return true
	}
	for _, pattern := range k.Owners {
		if matchPattern(pattern, owner) {
			return true
		}
	}
	return false
}

// AuthorizeOwner checks that the caller in ctx may act for owner.
// Unauthenticated contexts pass.
func AuthorizeOwner(ctx context.Context, owner string) error {
	key := APIKeyFromContext(ctx)
	if key == nil || key.AllowsOwner(owner) {
		return nil
	}
	return fmt.Errorf("%w: key %q may not act for owner %q", ErrPermissionDenied, key.Name, owner)
}

// matchPattern matches an owner against an exact name, a glob such as
// "billing-*", or "*".
func matchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	matched, err := path.Match(pattern, name)
	if err != nil {
		return pattern == name
	}
	return matched
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidOwnerPattern)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidOwnerPattern, pattern, err)
	}
	return nil
}
