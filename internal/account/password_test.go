package account

import "testing"

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "" {
		t.Fatal("HashPassword() returned empty hash")
	}

	if err := CheckPassword(hash, "correct horse battery staple"); err != nil {
		t.Errorf("CheckPassword() with correct password failed: %v", err)
	}
	if err := CheckPassword(hash, "wrong password"); err == nil {
		t.Error("CheckPassword() with wrong password should fail")
	}
}

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		pw, err := GeneratePassword()
		if err != nil {
			t.Fatalf("GeneratePassword() error = %v", err)
		}
		if len(pw) != 24 {
			t.Errorf("GeneratePassword() length = %d, want 24", len(pw))
		}
		for _, r := range pw {
			if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
				t.Errorf("GeneratePassword() contains non-hex rune %q", r)
			}
		}
		if seen[pw] {
			t.Fatalf("GeneratePassword() produced duplicate: %q", pw)
		}
		seen[pw] = true
	}
}
