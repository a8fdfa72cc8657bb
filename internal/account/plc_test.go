package account

import (
	"strings"
	"testing"

	"github.com/primal-host/primal-pds/internal/repo"
)

func TestGeneratePLCDIDIsDeterministic(t *testing.T) {
	key, err := repo.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	did1, op1, err := GeneratePLCDID(key, "alice.example", "https://pds.example")
	if err != nil {
		t.Fatalf("GeneratePLCDID() error = %v", err)
	}
	did2, op2, err := GeneratePLCDID(key, "alice.example", "https://pds.example")
	if err != nil {
		t.Fatalf("GeneratePLCDID() error = %v", err)
	}

	if did1 != did2 {
		t.Errorf("GeneratePLCDID() not deterministic: %q != %q", did1, did2)
	}
	if !strings.HasPrefix(did1, "did:plc:") {
		t.Errorf("GeneratePLCDID() = %q, want did:plc: prefix", did1)
	}
	if op1.AlsoKnownAs[0] != "at://alice.example" {
		t.Errorf("op.AlsoKnownAs = %v, want at://alice.example", op1.AlsoKnownAs)
	}
	if op2.Services.AtprotoPDS.Endpoint != "https://pds.example" {
		t.Errorf("op.Services.AtprotoPDS.Endpoint = %q, want https://pds.example", op2.Services.AtprotoPDS.Endpoint)
	}
}

func TestGeneratePLCDIDDiffersByHandle(t *testing.T) {
	key, err := repo.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	did1, _, err := GeneratePLCDID(key, "alice.example", "https://pds.example")
	if err != nil {
		t.Fatal(err)
	}
	did2, _, err := GeneratePLCDID(key, "bob.example", "https://pds.example")
	if err != nil {
		t.Fatal(err)
	}
	if did1 == did2 {
		t.Error("GeneratePLCDID() should differ when handle differs")
	}
}

func TestCborEncodePLCOpIsDeterministic(t *testing.T) {
	op := &PLCOperation{
		Type:         "plc_operation",
		RotationKeys: []string{"did:key:abc"},
		VerificationMethod: PLCVerify{
			Atproto: "did:key:abc",
		},
		AlsoKnownAs: []string{"at://alice.example"},
		Services: PLCService{
			AtprotoPDS: PLCEndpoint{Type: "AtprotoPersonalDataServer", Endpoint: "https://pds.example"},
		},
	}
	encoded, err := CborEncodePLCOp(op)
	if err != nil {
		t.Fatalf("CborEncodePLCOp() error = %v", err)
	}
	if len(encoded) == 0 {
		t.Fatal("CborEncodePLCOp() returned empty bytes")
	}

	encoded2, err := CborEncodePLCOp(op)
	if err != nil {
		t.Fatal(err)
	}
	if string(encoded) != string(encoded2) {
		t.Error("CborEncodePLCOp() not deterministic for identical input")
	}
}
