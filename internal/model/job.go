package model

import "time"

// Item is one unit of work: a source video and its identity
type Item struct {
	Identity Identity `json:"identity"`
	Path     string   `json:"path"`
}

// ItemReport is the outcome of one item within a run
type ItemReport struct {
	RunID     string     `json:"runId"`
	Shard     int        `json:"shard"`
	Index     int        `json:"index"`
	Total     int        `json:"total"`
	Identity  Identity   `json:"identity"`
	Status    ItemStatus `json:"status"`
	Stage     Stage      `json:"stage"`
	Frames    int        `json:"frames,omitempty"`
	Error     *string    `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Run summarises one worker run over its shard
type Run struct {
	ID         string     `json:"id"`
	Shard      int        `json:"shard"`
	ShardCount int        `json:"shardCount"`
	Status     RunStatus  `json:"status"`
	Total      int        `json:"total"`
	Done       int        `json:"done"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// ExtractTaskPayload is the queue payload for one identity
type ExtractTaskPayload struct {
	RunID string `json:"runId"`
	Shard int    `json:"shard"`
	Index int    `json:"index"`
	Total int    `json:"total"`
	Item  Item   `json:"item"`
}
