package commander

import "strings"

// Command names understood by the relay.
const (
	CommandStart = "start"
	CommandNew   = "new"
	CommandReset = "reset"
)

// ParseCommand extracts a bot command from message text. "/new",
// "/new@my_bot" and "/NEW extra words" all yield "new". Text that does not
// start with a slash is not a command.
func ParseCommand(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	word := strings.Fields(text)[0][1:]
	if at := strings.IndexByte(word, '@'); at >= 0 {
		word = word[:at]
	}
	if word == "" {
		return "", false
	}
	return strings.ToLower(word), true
}

// IsResetCommand reports whether cmd asks for a fresh session.
func IsResetCommand(cmd string) bool {
	return cmd == CommandNew || cmd == CommandReset
}
