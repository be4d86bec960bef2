package model

// Item status reported per processed video
type ItemStatus string

const (
	ItemStatusDone ItemStatus = "done"
	ItemStatusSkip ItemStatus = "skip"
	ItemStatusFail ItemStatus = "fail"
)

// Stage of the per-video state machine
type Stage string

const (
	StagePending    Stage = "pending"
	StageProbing    Stage = "probing"
	StageStreaming  Stage = "streaming"
	StageFinalizing Stage = "finalizing"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// Run status
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
)

// Sync direction
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)
