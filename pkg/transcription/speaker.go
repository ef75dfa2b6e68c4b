package transcription

import "strings"

type Speaker string

const (
	SpeakerAgent  Speaker = "agent"
	SpeakerClient Speaker = "client"
)

var agentPhrases = []string{
	"this is",
	"with realty",
	"my name is",
	"would you like to see",
	"i can show you",
	"are you available",
	"excited to work with you",
	"i'd love to show you",
}

// GuessSpeaker tags text that reads like the agent's script as agent and
// everything else as client.
func GuessSpeaker(text string) Speaker {
	lower := strings.ToLower(text)
	for _, p := range agentPhrases {
		if strings.Contains(lower, p) {
			return SpeakerAgent
		}
	}
	return SpeakerClient
}
