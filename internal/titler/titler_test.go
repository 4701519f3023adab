package titler

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"Fix launcher race"`, "Fix launcher race"},
		{"  Refactor config loader.  ", "Refactor config loader"},
		{"First line\nsecond line", "First line"},
		{"a title that is far too long to fit inside the fifty character budget", "a title that is far too long to fit inside the fif"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitize(tt.in); got != tt.want {
			t.Errorf("sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewFromEnvUnconfigured(t *testing.T) {
	t.Setenv("AGENTBRIDGE_TITLE_PROVIDER", "")
	got, err := NewFromEnv()
	if err != nil || got != nil {
		t.Errorf("unconfigured titler should be nil, nil; got %v, %v", got, err)
	}
}

func TestNewFromEnvMissingKey(t *testing.T) {
	t.Setenv("AGENTBRIDGE_TITLE_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewFromEnv(); err == nil {
		t.Error("expected error for missing API key")
	}
}
