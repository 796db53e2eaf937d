package chatbot

// Signal is a render instruction sent from the Controller to a Surface.
// The set is closed: UserMessage, AssistantStart, AppendResponse,
// AssistantComplete, Error, Status and Reset.
type Signal interface {
	signal()
}

// UserMessage echoes the text the user submitted.
type UserMessage struct {
	Text string
}

// AssistantStart opens a new assistant reply.
type AssistantStart struct{}

// AppendResponse extends the open assistant reply.
type AppendResponse struct {
	Delta string
}

// AssistantComplete closes the open assistant reply.
type AssistantComplete struct{}

// Error ends the open reply with a failure message.
type Error struct {
	Message string
}

// Status is a neutral notice, such as "Cancelled.".
type Status struct {
	Text string
}

// Reset clears the transcript; SessionID is the new session.
type Reset struct {
	SessionID string
}

func (UserMessage) signal()       {}
func (AssistantStart) signal()    {}
func (AppendResponse) signal()    {}
func (AssistantComplete) signal() {}
func (Error) signal()             {}
func (Status) signal()            {}
func (Reset) signal()             {}

// Surface renders signals. Emit is called from the Controller's streaming
// goroutine and must not call back into the Controller.
type Surface interface {
	Emit(Signal)
}
