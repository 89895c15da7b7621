package triage

import "strings"

// Command is one interactive triage instruction.
type Command string

const (
	CommandNext    Command = "next"
	CommandFixed   Command = "fixed"
	CommandVerify  Command = "verify"
	CommandExplain Command = "explain"
	CommandSkip    Command = "skip"
	CommandQuit    Command = "quit"
	CommandUnknown Command = "unknown"
)

// ParseCommand converts user input (a single letter or the full word, any
// case) to a command.
func ParseCommand(input string) Command {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "n", "next", "":
		return CommandNext
	case "f", "fixed", "fix":
		return CommandFixed
	case "v", "verify":
		return CommandVerify
	case "e", "explain":
		return CommandExplain
	case "s", "skip":
		return CommandSkip
	case "q", "quit", "exit":
		return CommandQuit
	default:
		return CommandUnknown
	}
}
