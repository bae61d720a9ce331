// Package callagent is a voice-call automation service built on Twilio.
//
// A call is carried by a pipeline of three stages coordinated per call:
//   - stt: inbound carrier audio to endpointed utterances (Deepgram, Google)
//   - agent: utterances to streamed text replies (OpenAI)
//   - tts: reply text to outbound carrier audio (Azure, ElevenLabs)
//
// The pipeline package sequences the stages, handles barge-in and owns the
// call lifecycle. The callsystem and transport packages talk to Twilio: REST
// and TwiML for call control, Media Streams for audio.
//
// # Environment Variables
//
//	BASE_URL               - Public host name Twilio reaches this server on
//	TWILIO_ACCOUNT_SID     - Your Twilio Account SID
//	TWILIO_AUTH_TOKEN      - Your Twilio Auth Token
//	OUTBOUND_CALLER_NUMBER - Caller ID used for outbound calls
//	OPENAI_API_KEY         - OpenAI key for the agent
//	DEEPGRAM_API_KEY       - Deepgram key for transcription
//	AZURE_SPEECH_KEY       - Azure Speech key for synthesis
//	AZURE_SPEECH_REGION    - Azure Speech region
//
// # Quick Start
//
//	go run ./cmd/callagent serve --config config.yaml
package callagent

// Version is the service version.
const Version = "0.1.0"

// ServiceName identifies the service in logs and metrics.
const ServiceName = "callagent"

// Twilio API constants.
const (
	// DefaultAPIBaseURL is the Twilio REST API base URL.
	DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"
)

// Twilio call status values as reported by the REST API and status callbacks.
const (
	CallStatusQueued     = "queued"
	CallStatusInitiated  = "initiated"
	CallStatusAnswered   = "answered"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)
