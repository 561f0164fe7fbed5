// Package auth holds the permission names checked by the HTTP API and the
// helpers that evaluate them against a principal's grants.
package auth

import (
	"fmt"
	"slices"
)

const (
	PermRunsRead    = "runs.read"
	PermRunsWrite   = "runs.write"
	PermAPIKeyWrite = "apikeys.write"
	// PermAll grants every permission.
	PermAll = "*"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// DefaultPermissions are granted to principals that carry no explicit
// permission list, such as API keys.
func DefaultPermissions() []string {
	return []string{PermRunsRead, PermRunsWrite}
}

// Effective returns perms, or the defaults when perms is empty.
func Effective(perms []string) []string {
	if len(perms) == 0 {
		return DefaultPermissions()
	}
	return perms
}

// Has reports whether perms grants perm.
func Has(perms []string, perm string) bool {
	return slices.Contains(perms, perm) || slices.Contains(perms, PermAll)
}

// Require returns ForbiddenError unless perms grants perm.
func Require(perms []string, perm string) error {
	if Has(perms, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
