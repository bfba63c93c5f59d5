package history

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/runtime"
)

// logLine is one line of a runtime project log. Only the fields the broker
// reads are decoded.
type logLine struct {
	Type        string              `json:"type"`
	UUID        string              `json:"uuid"`
	ParentUUID  string              `json:"parentUuid"`
	SessionID   string              `json:"sessionId"`
	Timestamp   string              `json:"timestamp"`
	Cwd         string              `json:"cwd"`
	IsSidechain bool                `json:"isSidechain"`
	IsMeta      bool                `json:"isMeta"`
	Summary     string              `json:"summary"`
	Message     *runtime.APIMessage `json:"message"`
}

func decodeLine(data []byte) (logLine, error) {
	var line logLine
	err := json.Unmarshal(data, &line)
	return line, err
}

func (l logLine) time() time.Time {
	if l.Timestamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, l.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// warmupPrompt is the message the runtime sends to prime a fresh session.
const warmupPrompt = "Warmup"

// injectedTags are editor and harness context blocks spliced into user turns.
var injectedTags = []string{
	"ide_opened_file",
	"ide_selection",
	"system-reminder",
	"command-name",
	"command-message",
	"command-args",
	"local-command-stdout",
	"local-command-stderr",
}

const localCommandCaveat = "Caveat: The messages below were generated by the user while running local commands."

// cleanUserText removes injected context from a user text block. An empty
// result means the block carried nothing the user typed.
func cleanUserText(text string) string {
	for _, tag := range injectedTags {
		text = stripTag(text, tag)
	}
	if strings.HasPrefix(strings.TrimSpace(text), localCommandCaveat) {
		return ""
	}
	return strings.TrimSpace(text)
}

func stripTag(text, tag string) string {
	open, closing := "<"+tag+">", "</"+tag+">"
	for {
		start := strings.Index(text, open)
		if start < 0 {
			return text
		}
		end := strings.Index(text[start:], closing)
		if end < 0 {
			return text[:start]
		}
		text = text[:start] + text[start+end+len(closing):]
	}
}
