package auth

import (
	"errors"
	"testing"
)

func TestRequire(t *testing.T) {
	if err := Require([]string{PermRunsRead}, PermRunsRead); err != nil {
		t.Fatalf("expected grant, got %v", err)
	}
	err := Require([]string{PermRunsRead}, PermRunsWrite)
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != PermRunsWrite {
		t.Fatalf("expected forbidden runs.write, got %v", err)
	}
	if err := Require([]string{PermAll}, PermAPIKeyWrite); err != nil {
		t.Fatalf("wildcard should grant everything: %v", err)
	}
}

func TestEffectiveDefaults(t *testing.T) {
	perms := Effective(nil)
	if !Has(perms, PermRunsWrite) || Has(perms, PermAPIKeyWrite) {
		t.Fatalf("unexpected defaults %v", perms)
	}
	if got := Effective([]string{PermRunsRead}); len(got) != 1 {
		t.Fatalf("explicit permissions should be kept, got %v", got)
	}
}
