package domain

// VoiceState is one state of the voice pipeline's state machine.
type VoiceState string

const (
	VoiceIdle         VoiceState = "idle"
	VoiceListening    VoiceState = "listening"
	VoiceRecording    VoiceState = "recording"
	VoiceTranscribing VoiceState = "transcribing"
	VoiceThinking     VoiceState = "thinking"
	VoiceSpeaking     VoiceState = "speaking"
	VoiceError        VoiceState = "error"
)

// VoiceInteractionMode selects how Recording is entered.
type VoiceInteractionMode string

const (
	ModePushToTalk   VoiceInteractionMode = "push_to_talk"
	ModeVoiceActivity VoiceInteractionMode = "voice_activity"
)
