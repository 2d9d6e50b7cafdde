package conversation

// Role identifies who authored a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Key identifies one chat. For Telegram it is the chat id.
type Key int64

// Turn is a single message in a conversation. Turns are values and are
// never modified after they are appended.
type Turn struct {
	Role    Role
	Content string
}

// Conversation is a read-only view of one chat's stored turns.
type Conversation struct {
	Key   Key
	Turns []Turn
}
