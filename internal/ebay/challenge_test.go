package ebay

import "testing"

func TestChallengeResponseKnownVector(t *testing.T) {
	got := ChallengeResponse("abc", "secret", "https://host/path")
	want := "efb75381fa54b27c32ad371558318698166a0bd2508fc7c4bda9bf5e22d8341a"
	if got != want {
		t.Fatalf("ChallengeResponse = %s, want %s", got, want)
	}
}

func TestChallengeResponseDeterministic(t *testing.T) {
	a := ChallengeResponse("code", "token", "https://example.com/webhook")
	b := ChallengeResponse("code", "token", "https://example.com/webhook")
	if a != b {
		t.Fatalf("same inputs produced different digests: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(a))
	}
}

func TestChallengeResponseInputSensitivity(t *testing.T) {
	base := ChallengeResponse("code", "token", "https://example.com/webhook")
	variants := []string{
		ChallengeResponse("code2", "token", "https://example.com/webhook"),
		ChallengeResponse("code", "token2", "https://example.com/webhook"),
		ChallengeResponse("code", "token", "https://example.com/webhook2"),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d did not change the digest", i)
		}
	}
}
