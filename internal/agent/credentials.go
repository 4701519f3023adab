package agent

// credentialVars maps an agent family to the environment variable names it
// reads its API key from. A single user-supplied key is injected under every
// name the family understands; the key itself is never persisted anywhere
// except the settings file the user put it in.
var credentialVars = map[string][]string{
	"claude-code": {"ANTHROPIC_API_KEY"},
	"gemini":      {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"codex":       {"OPENAI_API_KEY"},
}

// CredentialEnv returns the environment entries ("KEY=value") that inject the
// given credential for the agent id. Unknown agent ids get no injection.
func CredentialEnv(agentID, credential string) []string {
	if credential == "" {
		return nil
	}
	names, ok := credentialVars[agentID]
	if !ok {
		return nil
	}
	entries := make([]string, 0, len(names))
	for _, name := range names {
		entries = append(entries, name+"="+credential)
	}
	return entries
}
