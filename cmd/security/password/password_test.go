package password

import (
	"strings"
	"testing"
)

func testHasher(t *testing.T) *Hasher {
	t.Helper()

	cfg := DefaultConfig()
	// Keep test runs cheap.
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1

	h, err := NewHasher(cfg)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	return h
}

func TestHashVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	h := testHasher(t)

	digest, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(digest, "$argon2id$v=19$") {
		t.Fatalf("unexpected digest prefix: %q", digest)
	}

	ok, err := h.Verify("correct horse battery", digest)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected match for correct password")
	}

	ok, err = h.Verify("wrong password", digest)
	if err != nil {
		t.Fatalf("Verify wrong: %v", err)
	}
	if ok {
		t.Fatal("expected mismatch for wrong password")
	}
}

func TestHashIsSalted(t *testing.T) {
	t.Parallel()
	h := testHasher(t)

	a, err := h.Hash("same input")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := h.Hash("same input")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Fatal("two hashes of the same input must differ")
	}
}

func TestPolicyBounds(t *testing.T) {
	t.Parallel()
	h := testHasher(t)

	if _, err := h.Hash("short"); err != ErrPasswordTooShort {
		t.Fatalf("want ErrPasswordTooShort, got %v", err)
	}
	if _, err := h.Hash(strings.Repeat("x", 300)); err != ErrPasswordTooLong {
		t.Fatalf("want ErrPasswordTooLong, got %v", err)
	}
}

func TestVerifyRejectsMalformedDigests(t *testing.T) {
	t.Parallel()
	h := testHasher(t)

	cases := []string{
		"",
		"plainly not a digest",
		"$argon2i$v=19$m=8192,t=1,p=1$AAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA",
		"$argon2id$v=18$m=8192,t=1,p=1$AAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA",
		"$argon2id$v=19$m=8192,t=1$AAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$AAAAAAAAAAAAAAAAAAAAAA",
		// Hostile cost: 8 GiB declared memory.
		"$argon2id$v=19$m=8388608,t=1,p=1$AAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA",
	}
	for _, digest := range cases {
		if _, err := h.Verify("whatever", digest); err != ErrInvalidHash {
			t.Fatalf("digest %q: want ErrInvalidHash, got %v", digest, err)
		}
	}
}

func TestFromEnvValidation(t *testing.T) {
	t.Setenv("VOUCH_PASSWORD_MIN_LEN", "12")
	t.Setenv("VOUCH_PASSWORD_MAX_LEN", "64")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Policy.MinLength != 12 || cfg.Policy.MaxLength != 64 {
		t.Fatalf("policy not applied: %+v", cfg.Policy)
	}

	t.Setenv("VOUCH_PASSWORD_MIN_LEN", "100")
	t.Setenv("VOUCH_PASSWORD_MAX_LEN", "10")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error when min > max")
	}

	t.Setenv("VOUCH_PASSWORD_MIN_LEN", "not-a-number")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for non-numeric min length")
	}
}
