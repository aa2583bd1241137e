package poolerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKindThroughWrap(t *testing.T) {
	base := NotFound("/dev/sdb1", errors.New("no such device"))
	wrapped := fmt.Errorf("opening member: %w", base)

	if !Is(wrapped, KindNotFound) {
		t.Fatalf("expected Is to find KindNotFound through fmt.Errorf wrap")
	}
	if Is(wrapped, KindIoFailure) {
		t.Fatalf("Is matched the wrong kind")
	}
}

func TestKindStringIsStable(t *testing.T) {
	want := map[Kind]string{
		KindNotFound:          "not_found",
		KindPermissionDenied:  "permission_denied",
		KindInvalidInput:      "invalid_input",
		KindIoFailure:         "io_failure",
		KindKernelState:       "kernel_state",
		KindMissingMembers:    "missing_members",
	}
	for k, s := range want {
		if k.String() != s {
			t.Errorf("Kind(%d).String() = %q, want %q", k, k.String(), s)
		}
	}
}

func TestMissingMembersFields(t *testing.T) {
	err := MissingMembers("at most 1 missing", "2 missing")
	if !Is(err, KindMissingMembers) {
		t.Fatalf("expected KindMissingMembers")
	}
	if err.Expected != "at most 1 missing" || err.Observed != "2 missing" {
		t.Fatalf("unexpected fields: %+v", err)
	}
}
