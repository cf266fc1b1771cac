package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeKeytab(t *testing.T, secret string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "user.keytab")
	if err := os.WriteFile(p, []byte(secret+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoginAndVerify(t *testing.T) {
	keytab := writeKeytab(t, "s3cret")
	tok, err := Login("alice@EXAMPLE.COM", keytab, time.Hour)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	blob, err := tok.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	v := NewVerifier(map[string][]byte{"alice@EXAMPLE.COM": []byte("s3cret")})
	principal, err := v.Verify(blob)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if principal != "alice@EXAMPLE.COM" {
		t.Errorf("principal = %q", principal)
	}
}

func TestVerify_Rejects(t *testing.T) {
	tok, err := Login("bob", writeKeytab(t, "right"), time.Hour)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	blob, _ := tok.Encode()

	tests := []struct {
		name    string
		secrets map[string][]byte
		blob    []byte
		now     time.Time
		want    error
	}{
		{"wrong secret", map[string][]byte{"bob": []byte("wrong")}, blob, time.Now(), ErrInvalid},
		{"unknown principal", map[string][]byte{"carol": []byte("right")}, blob, time.Now(), ErrInvalid},
		{"garbage", map[string][]byte{"bob": []byte("right")}, []byte("not json"), time.Now(), ErrInvalid},
		{"expired", map[string][]byte{"bob": []byte("right")}, blob, time.Now().Add(2 * time.Hour), ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(tt.secrets)
			v.now = func() time.Time { return tt.now }
			if _, err := v.Verify(tt.blob); !errors.Is(err, tt.want) {
				t.Errorf("Verify = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLogin_Errors(t *testing.T) {
	if _, err := Login("", writeKeytab(t, "x"), time.Hour); err == nil {
		t.Error("expected error for empty principal")
	}
	if _, err := Login("a", filepath.Join(t.TempDir(), "none"), time.Hour); err == nil {
		t.Error("expected error for missing keytab")
	}
	if _, err := Login("a", writeKeytab(t, "  "), time.Hour); err == nil {
		t.Error("expected error for empty keytab")
	}
}

func TestLoadVerifier(t *testing.T) {
	keytab := writeKeytab(t, "k1")
	reg := filepath.Join(t.TempDir(), "keytabs.yaml")
	if err := os.WriteFile(reg, []byte("alice: "+keytab+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	v, err := LoadVerifier(reg)
	if err != nil {
		t.Fatalf("LoadVerifier: %v", err)
	}
	tok, _ := Login("alice", keytab, time.Minute)
	blob, _ := tok.Encode()
	if _, err := v.Verify(blob); err != nil {
		t.Errorf("Verify: %v", err)
	}
}
