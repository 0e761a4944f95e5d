package auth

import (
	"strings"
	"testing"
)

func TestDetectHashType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"argon2id phc", "$argon2id$v=19$m=47104,t=1,p=1$c2FsdA$aGFzaA", "argon2id"},
		{"sha256 prefixed", "sha256:" + HashKey("k"), "sha256"},
		{"bare hex digest", HashKey("k"), "sha256"},
		{"uppercase hex digest", strings.ToUpper(HashKey("k")), "sha256"},
		{"short hex is plaintext", "deadbeef", "plaintext"},
		{"plaintext key", "hunter2", "plaintext"},
		{"64 chars non-hex", strings.Repeat("z", 64), "plaintext"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DetectHashType(tt.in); got != tt.want {
				t.Errorf("DetectHashType(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestVerifyKeySHA256(t *testing.T) {
	t.Parallel()

	stored := "sha256:" + HashKey("secret-key")
	if ok, err := VerifyKey("secret-key", stored); err != nil || !ok {
		t.Errorf("VerifyKey = %v, %v; want match", ok, err)
	}
	if ok, _ := VerifyKey("wrong-key", stored); ok {
		t.Error("wrong key matched sha256 hash")
	}

	// Bare hex digest without the prefix works too.
	if ok, err := VerifyKey("secret-key", HashKey("secret-key")); err != nil || !ok {
		t.Errorf("bare digest: VerifyKey = %v, %v; want match", ok, err)
	}
}

func TestVerifyKeyPlaintext(t *testing.T) {
	t.Parallel()

	if ok, err := VerifyKey("hunter2", "hunter2"); err != nil || !ok {
		t.Errorf("VerifyKey = %v, %v; want match", ok, err)
	}
	if ok, _ := VerifyKey("hunter3", "hunter2"); ok {
		t.Error("wrong plaintext key matched")
	}
}

func TestVerifyKeyArgon2id(t *testing.T) {
	t.Parallel()

	hash, err := HashKeyArgon2id("secret-key")
	if err != nil {
		t.Fatalf("HashKeyArgon2id: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=48128,t=1,p=1$") &&
		!strings.HasPrefix(hash, "$argon2id$v=19$m=47104,t=1,p=1$") {
		t.Errorf("hash = %q, want OWASP argon2id parameters", hash)
	}

	if ok, err := VerifyKey("secret-key", hash); err != nil || !ok {
		t.Errorf("VerifyKey = %v, %v; want match", ok, err)
	}
	if ok, _ := VerifyKey("wrong-key", hash); ok {
		t.Error("wrong key matched argon2id hash")
	}
}

func TestVerifyKeyMalformedArgon2idDoesNotPanic(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{
		"$argon2id$",
		"$argon2id$v=19$m=abc,t=1,p=1$x$y",
		"$argon2id$v=19$m=47104,t=1,p=1$not-base64!$also-not!",
	} {
		ok, err := VerifyKey("anything", bad)
		if ok {
			t.Errorf("malformed hash %q matched", bad)
		}
		if err == nil {
			t.Errorf("malformed hash %q produced no error", bad)
		}
	}
}

func TestVerifier(t *testing.T) {
	t.Parallel()

	v := NewVerifier([]string{
		"sha256:" + HashKey("key-one"),
		"  plain-key  ",
		"",
	})

	if !v.Verify("key-one") {
		t.Error("hashed key rejected")
	}
	if !v.Verify("plain-key") {
		t.Error("trimmed plaintext key rejected")
	}
	if v.Verify("unknown") {
		t.Error("unknown key accepted")
	}
	if v.Verify("") {
		t.Error("empty key accepted")
	}
}

func TestHashKeyDeterministic(t *testing.T) {
	t.Parallel()
	if HashKey("k") != HashKey("k") {
		t.Error("HashKey not deterministic")
	}
	if len(HashKey("k")) != 64 {
		t.Errorf("digest length = %d, want 64", len(HashKey("k")))
	}
}
