package callsystem

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"
)

// StreamTwiML creates TwiML that connects the call to a bidirectional media
// stream at streamURL.
func StreamTwiML(streamURL, conversationID string) (string, error) {
	stream := &twiml.VoiceStream{
		Url: streamURL,
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: "conversation_id", Value: conversationID},
		},
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}

	out, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("failed to build stream TwiML: %w", err)
	}
	return out, nil
}

// SayTwiML creates TwiML that speaks message and hangs up. It answers calls
// that cannot be connected to an agent.
func SayTwiML(message string) (string, error) {
	out, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: message},
		&twiml.VoiceHangup{},
	})
	if err != nil {
		return "", fmt.Errorf("failed to build say TwiML: %w", err)
	}
	return out, nil
}
