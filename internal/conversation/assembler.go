package conversation

// StandardAssembler builds the message list sent to the model: the system
// prompt first, then the stored history exactly as given.
type StandardAssembler struct{}

// Assemble never stores the system prompt; it only prepends it.
func (StandardAssembler) Assemble(system string, history []Turn) []Turn {
	messages := make([]Turn, 0, 1+len(history))
	messages = append(messages, Turn{Role: RoleSystem, Content: system})
	messages = append(messages, history...)
	return messages
}
