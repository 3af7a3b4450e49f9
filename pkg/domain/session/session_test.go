package session

import (
	"strings"
	"testing"
)

func TestMintTokenShape(t *testing.T) {
	token := MintToken()
	if !strings.HasPrefix(token, TokenSentinel) || !strings.HasSuffix(token, TokenSentinel) {
		t.Fatalf("token %q lacks sentinels", token)
	}
	if len(token) != 2*len(TokenSentinel)+25 {
		t.Errorf("token length = %d, want %d", len(token), 2*len(TokenSentinel)+25)
	}
	if MintToken() == token {
		t.Error("two minted tokens must differ")
	}
}

func TestExtractToken(t *testing.T) {
	token := MintToken()

	tests := []struct {
		name    string
		payload string
		want    string
		found   bool
	}{
		{name: "bare token", payload: token, want: token, found: true},
		{name: "embedded in json", payload: `{"callback_url":"https://x.test/cb/` + token + `"}`, want: token, found: true},
		{name: "no token", payload: "nothing here", found: false},
		{name: "unterminated", payload: TokenSentinel + "abc", found: false},
		{name: "empty", payload: "", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := ExtractToken(tt.payload)
			if found != tt.found {
				t.Fatalf("found = %v, want %v", found, tt.found)
			}
			if found && got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := New("u1", "c1")
	if s.ID().IsZero() {
		t.Fatal("new session has no id")
	}
	if s.Status != StatusActive {
		t.Errorf("status = %s, want active", s.Status)
	}
	if !s.HasPendingEvents() {
		t.Error("creation must record a domain event")
	}

	s.PullEvents()
	s.Expire()
	if s.Status != StatusExpired {
		t.Errorf("status = %s, want expired", s.Status)
	}
	if !s.HasPendingEvents() {
		t.Error("expiry must record a domain event")
	}
}
