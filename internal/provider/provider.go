// Package provider holds per-provider configuration for the terminals the
// Orchestrator launches: the launch command, the regex that recognizes the
// agent's ready prompt, and the marker templates the Injector looks for.
// Spec section 9 explicitly leaves this implementation-defined; keeping it
// as data here (rather than hard-coded in the Injector) means a new
// provider is one registry entry, not a code change.
package provider

import (
	"fmt"
	"regexp"
)

// Key identifies a provider backend CLI.
type Key string

const (
	QCLI       Key = "q_cli"
	KiroCLI    Key = "kiro_cli"
	ClaudeCode Key = "claude_code"
	CodexCLI   Key = "codex_cli"
	GeminiCLI  Key = "gemini_cli"
)

// Profile describes how to launch and observe one provider's CLI.
type Profile struct {
	Key Key

	// Command is the shell command used to launch the agent, with "%s"
	// substituted for the resolved agent profile name.
	Command string

	// ReadyPrompt matches the line the agent prints once it is waiting
	// for input (STARTING -> IDLE and COMPLETED -> IDLE transitions; it
	// does not move a BUSY terminal to IDLE).
	ReadyPrompt *regexp.Regexp

	// ErrorSignature optionally matches a line indicating the agent
	// itself reported a fatal error, independent of the injected error
	// marker (e.g. a CLI crash banner).
	ErrorSignature *regexp.Regexp
}

// CompletionMarker returns the fixed, collision-resistant string the agent
// is instructed to print when a task finishes successfully. It embeds the
// terminal id per spec section 9.
func CompletionMarker(terminalID string) string {
	return fmt.Sprintf("<<<CAO:DONE:%s>>>", terminalID)
}

// ErrorMarker returns the fixed string the agent is instructed to print
// when a task fails.
func ErrorMarker(terminalID string) string {
	return fmt.Sprintf("<<<CAO:ERROR:%s>>>", terminalID)
}

// registry holds the built-in profiles, keyed by provider.
var registry = map[Key]*Profile{
	QCLI: {
		Key:         QCLI,
		Command:     "q chat --agent %s",
		ReadyPrompt: regexp.MustCompile(`(?m)^>\s*$`),
	},
	KiroCLI: {
		Key:         KiroCLI,
		Command:     "kiro agent run %s",
		ReadyPrompt: regexp.MustCompile(`(?m)^kiro>\s*$`),
	},
	ClaudeCode: {
		Key:         ClaudeCode,
		Command:     "claude --agent %s",
		ReadyPrompt: regexp.MustCompile(`(?m)^\s*│\s*>\s*│?\s*$`),
	},
	CodexCLI: {
		Key:         CodexCLI,
		Command:     "codex --profile %s",
		ReadyPrompt: regexp.MustCompile(`(?m)^codex>\s*$`),
	},
	GeminiCLI: {
		Key:         GeminiCLI,
		Command:     "gemini chat --agent %s",
		ReadyPrompt: regexp.MustCompile(`(?m)^gemini>\s*$`),
	},
}

// Default is used when a request omits a provider.
const Default = ClaudeCode

// Lookup returns the profile for key, falling back to Default when key is
// empty or unknown.
func Lookup(key Key) *Profile {
	if key == "" {
		key = Default
	}
	if p, ok := registry[key]; ok {
		return p
	}
	return registry[Default]
}

// Register adds or overrides a provider profile. Exposed so deployments can
// add local providers without forking the package.
func Register(p *Profile) {
	registry[p.Key] = p
}

// BuildLaunchCommand formats the provider's launch command with the given
// agent profile name.
func (p *Profile) BuildLaunchCommand(agentProfile string) string {
	return fmt.Sprintf(p.Command, agentProfile)
}
