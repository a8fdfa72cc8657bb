package account

import (
	"strings"
	"testing"
)

func TestGenerateDID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		did, err := GenerateDID()
		if err != nil {
			t.Fatalf("GenerateDID() error = %v", err)
		}
		if !strings.HasPrefix(did, "did:plc:") {
			t.Errorf("GenerateDID() = %q, want did:plc: prefix", did)
		}
		if did != strings.ToLower(did) {
			t.Errorf("GenerateDID() = %q, want all lowercase", did)
		}
		if seen[did] {
			t.Fatalf("GenerateDID() produced duplicate: %q", did)
		}
		seen[did] = true
	}
}
