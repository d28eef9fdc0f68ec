package models

// MessagePayload is the body of both message endpoints of the chat API. An empty ID asks the backend to
// open a new chat.
type MessagePayload struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// MessageReply is the response of the single-shot message endpoint.
type MessageReply struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// StreamEvent is the JSON data carried by every event of the streaming message endpoint.
type StreamEvent struct {
	Text string `json:"text,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Event types of the streaming message endpoint.
const (
	StreamEventSession = "session"
	StreamEventMessage = "message"
	StreamEventDone    = "done"
	StreamEventError   = "error"
)

// StreamFinishedMarker is the text of the terminal done event.
const StreamFinishedMarker = "[FINISHED]"

// ChatList is a page of chats together with the total count.
type ChatList struct {
	Data  []Chat `json:"data"`
	Count int    `json:"count"`
}

// MessageList is the stored history of a chat.
type MessageList struct {
	Data  []Message `json:"data"`
	Count int       `json:"count"`
}

// ChatUpdate carries the fields of a chat that may be changed after creation. Nil fields are left as
// they are.
type ChatUpdate struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

// ErrorDetail is the body of every non-2xx response of the chat API.
type ErrorDetail struct {
	Detail string `json:"detail"`
}

// StreamCallbacks receives the events of a streaming request. OnChunk is called with cumulative
// snapshots, never deltas. OnDone is called exactly once when the stream completes normally. Nil
// callbacks are skipped.
type StreamCallbacks struct {
	OnSession func(id string)
	OnChunk   func(snapshot string)
	OnDone    func()
}
