package model

// WebSocket message types
const (
	WSMessageTypeItem     = "item"
	WSMessageTypeRun      = "run"
	WSMessageTypeFinished = "finished"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSItemMessage carries one item report to run subscribers
type WSItemMessage struct {
	Type  string     `json:"type"`
	RunID string     `json:"runId"`
	Item  ItemReport `json:"item"`
}

// WSRunMessage carries the run counters. Type is "finished" once the run has
// attempted every item.
type WSRunMessage struct {
	Type  string `json:"type"`
	RunID string `json:"runId"`
	Run   Run    `json:"run"`
}
