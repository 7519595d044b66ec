package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave  Action = "autosave"
	ActionHeartbeat Action = "heartbeat"
	ActionNavigate  Action = "navigate"
	ActionSignal    Action = "signal"
	ActionSubmit    Action = "submit"
	ActionPing      Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AutosaveRequest is sent by the client to save a single response.
type AutosaveRequest struct {
	Action     Action `json:"action"`
	QuestionID string `json:"question_id"`
	Payload    string `json:"payload"` // Receives the JSON string directly
	TimeSpent  int    `json:"time_spent_seconds"`
	IsComplete bool   `json:"is_complete"`
}

// NavigateRequest moves the student's question cursor.
type NavigateRequest struct {
	Action        Action `json:"action"`
	QuestionIndex int    `json:"question_index"`
}

// SignalRequest is sent by the client to report an integrity signal.
type SignalRequest struct {
	Action      Action `json:"action"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// SubmitRequest is sent by the client to finish the exam.
type SubmitRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventSuccess   Event = "success"
	EventSubmitted Event = "submitted"
	EventPong      Event = "pong"
)

type SuccessResponse struct {
	Event  Event  `json:"event"`
	Status string `json:"status"`
}

type SubmittedResponse struct {
	Event  Event  `json:"event"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
