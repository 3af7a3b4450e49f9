package secret

import (
	"strings"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestNewSealerRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "empty", key: ""},
		{name: "not hex", key: strings.Repeat("zz", 32)},
		{name: "too short", key: "00ff"},
		{name: "too long", key: testKey + "00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSealer(tt.key); err == nil {
				t.Errorf("key %q accepted", tt.key)
			}
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer(testKey)
	if err != nil {
		t.Fatal(err)
	}

	token, err := s.Seal("super-secret-api-key")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(token, "super-secret") {
		t.Error("sealed token leaks plaintext")
	}

	plain, err := s.Open(token)
	if err != nil {
		t.Fatal(err)
	}
	if plain != "super-secret-api-key" {
		t.Errorf("opened %q", plain)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	s, _ := NewSealer(testKey)
	a, _ := s.Seal("value")
	b, _ := s.Seal("value")
	if a == b {
		t.Error("two seals of the same value must differ (random nonce)")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	s, _ := NewSealer(testKey)
	other, _ := NewSealer(strings.Repeat("ab", 32))

	token, _ := s.Seal("value")
	if _, err := other.Open(token); err == nil {
		t.Error("token opened with the wrong key")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	s, _ := NewSealer(testKey)
	for _, token := range []string{"", "not base64 !!!", "AAAA"} {
		if _, err := s.Open(token); err == nil {
			t.Errorf("garbage token %q opened", token)
		}
	}
}

func TestSealAllOpenAll(t *testing.T) {
	s, _ := NewSealer(testKey)

	creds := map[string]string{"API_KEY": "k1", "WEBHOOK_SECRET": "k2"}
	sealed, err := s.SealAll(creds)
	if err != nil {
		t.Fatal(err)
	}
	for name, token := range sealed {
		if token == creds[name] {
			t.Errorf("credential %s stored in the clear", name)
		}
	}

	opened, err := s.OpenAll(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if len(opened) != 2 || opened["API_KEY"] != "k1" || opened["WEBHOOK_SECRET"] != "k2" {
		t.Errorf("opened = %v", opened)
	}

	empty, err := s.OpenAll(nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("OpenAll(nil) = %v, %v", empty, err)
	}
}
