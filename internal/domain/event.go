package domain

// EventType discriminates Event payloads, matching the category names of
// the SSE stream (spec §6.5).
type EventType string

const (
	EventDownloadQueueSnapshot  EventType = "download:queue_snapshot"
	EventDownloadStarted        EventType = "download:started"
	EventDownloadProgress       EventType = "download:progress"
	EventDownloadCompleted      EventType = "download:completed"
	EventDownloadFailed         EventType = "download:failed"
	EventDownloadCancelled      EventType = "download:cancelled"
	EventDownloadQueueRunDone   EventType = "download:queue_run_complete"
	EventServerStarted          EventType = "server:started"
	EventServerStopped          EventType = "server:stopped"
	EventServerHealthChanged    EventType = "server:health_changed"
	EventServerDied             EventType = "server:died"
	EventVoiceStateChanged      EventType = "voice:state_changed"
	EventVoiceSpeakingStarted   EventType = "voice:speaking_started"
	EventVoiceSpeakingFinished  EventType = "voice:speaking_finished"
	EventProxyStatus            EventType = "proxy:status"
)

// Event is the tagged union carried on the bus. Payload carries only
// value types, never a handle or a connection.
type Event struct {
	Type    EventType
	Payload any
}

// DownloadProgressPayload backs EventDownloadProgress.
type DownloadProgressPayload struct {
	ID              DownloadID
	Seq             uint64
	DownloadedBytes int64
	TotalBytes      int64
	SpeedBps        float64
}

// DownloadLifecyclePayload backs started/completed/failed/cancelled events.
type DownloadLifecyclePayload struct {
	ID    DownloadID
	Error string `json:",omitempty"`
}

// ServerLifecyclePayload backs server:started/server:stopped/server:died.
type ServerLifecyclePayload struct {
	ModelID int64
	Port    int
}

// ServerHealthPayload backs server:health_changed.
type ServerHealthPayload struct {
	ModelID int64
	Status  HealthStatus
}

// VoiceStateChangedPayload backs voice:state_changed.
type VoiceStateChangedPayload struct {
	State VoiceState
}

// ProxyStatusPayload backs proxy:status.
type ProxyStatusPayload struct {
	ActiveModelID int64
	Message       string
}
