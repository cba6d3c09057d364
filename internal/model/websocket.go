package model

import "time"

// Server→client WebSocket message types. Stage-scoped types are built with
// EventTypeFor, e.g. "script_generation_completed".
const (
	WSTypeConnected  = "connected"
	WSTypeSubscribed = "subscribed"
	WSTypePing       = "ping"
	WSTypePong       = "pong"
)

// Stage event suffixes.
const (
	WSSuffixStarted   = "started"
	WSSuffixProgress  = "progress"
	WSSuffixCompleted = "completed"
	WSSuffixFailed    = "failed"
)

// EventTypeFor builds the outbound message type for a pipeline stage event.
func EventTypeFor(stepName, suffix string) string {
	return stepName + "_" + suffix
}

// Client→server control actions.
const (
	WSActionSubscribe = "subscribe"
	WSActionPing      = "ping"
	WSActionPong      = "pong"
)

// WSControlMessage is a client→server control frame.
type WSControlMessage struct {
	Action string `json:"action"`
	TaskID string `json:"task_id,omitempty"`
}

// WSEvent is a server→client event frame. TaskID is the remote stage id the
// event refers to; LocalTaskID identifies the owning task record. Clients
// may subscribe under either id.
type WSEvent struct {
	Type        string    `json:"type"`
	TaskID      string    `json:"task_id,omitempty"`
	LocalTaskID string    `json:"local_task_id,omitempty"`
	Step        string    `json:"step,omitempty"`
	Message     string    `json:"message,omitempty"`
	DownloadURL string    `json:"download_url,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
