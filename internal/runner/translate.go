package runner

import (
	"github.com/haasonsaas/conduit/internal/runtime"
	"github.com/haasonsaas/conduit/pkg/models"
)

// InitInfo is the session metadata reported by a runtime init message.
type InitInfo struct {
	RuntimeSessionID string
	Model            string
	Cwd              string
	PermissionMode   string
}

// Translation is the normalized form of one native message.
type Translation struct {
	Events []models.Event
	Init   *InitInfo
	Result *models.ResultSummary
	// Unknown is set for message types outside the known set; they produce
	// no events.
	Unknown bool
}

// Translate maps one native runtime message to zero or more events. It is a
// pure function of msg.
func Translate(msg runtime.Message) Translation {
	var t Translation
	switch msg.Type {
	case runtime.TypeSystem:
		translateSystem(msg, &t)
	case runtime.TypeAssistant:
		translateAssistant(msg, &t)
	case runtime.TypeUser:
		translateUser(msg, &t)
	case runtime.TypeStreamEvent:
		translateStreamEvent(msg, &t)
	case runtime.TypeToolProgress:
		t.add(models.Event{Kind: models.EventToolProgress, Tool: &models.ToolPayload{
			ToolUseID:      msg.ToolUseID,
			Name:           msg.ToolName,
			ElapsedSeconds: msg.ElapsedTimeSeconds,
		}})
	case runtime.TypeResult:
		result := &models.ResultSummary{
			DurationMS:    msg.DurationMS,
			DurationAPIMS: msg.DurationAPIMS,
			CostUSD:       msg.TotalCostUSD,
			NumTurns:      msg.NumTurns,
			IsError:       msg.IsError,
			Text:          msg.Result,
			Subtype:       msg.Subtype,
			Usage:         msg.Usage,
		}
		t.Result = result
		t.add(models.Event{Kind: models.EventResult, Result: result})
	default:
		t.Unknown = true
	}
	return t
}

func (t *Translation) add(evt models.Event) {
	t.Events = append(t.Events, evt)
}

func translateSystem(msg runtime.Message, t *Translation) {
	if msg.Subtype != runtime.SubtypeInit {
		t.add(models.Event{Kind: models.EventStatus, Status: &models.StatusPayload{
			Status:  msg.Subtype,
			Message: msg.Status,
		}})
		return
	}
	t.Init = &InitInfo{
		RuntimeSessionID: msg.SessionID,
		Model:            msg.Model,
		Cwd:              msg.Cwd,
		PermissionMode:   msg.PermissionMode,
	}
	t.add(models.Event{Kind: models.EventSessionInit, Init: &models.InitPayload{
		RuntimeSessionID: msg.SessionID,
		Model:            msg.Model,
		Cwd:              msg.Cwd,
		Tools:            msg.Tools,
		PermissionMode:   msg.PermissionMode,
	}})
}

func translateAssistant(msg runtime.Message, t *Translation) {
	if msg.Message == nil {
		return
	}
	messageID := msg.Message.ID
	for _, block := range msg.Message.Content {
		switch block.Type {
		case runtime.BlockThinking:
			if block.Thinking == "" {
				continue
			}
			t.add(models.Event{Kind: models.EventThinking, Text: &models.TextPayload{
				MessageID: messageID,
				Text:      block.Thinking,
			}})
		case runtime.BlockText:
			if block.Text == "" {
				continue
			}
			t.add(models.Event{Kind: models.EventText, Text: &models.TextPayload{
				MessageID: messageID,
				Text:      block.Text,
			}})
		case runtime.BlockToolUse:
			t.add(models.Event{Kind: models.EventToolStart, Tool: &models.ToolPayload{
				ToolUseID: block.ID,
				Name:      block.Name,
				Input:     block.Input,
			}})
		}
	}
}

func translateUser(msg runtime.Message, t *Translation) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		if block.Type != runtime.BlockToolResult {
			continue
		}
		t.add(models.Event{Kind: models.EventToolResult, Tool: &models.ToolPayload{
			ToolUseID: block.ToolUseID,
			Output:    block.ResultText(),
			IsError:   block.IsError,
		}})
	}
}

func translateStreamEvent(msg runtime.Message, t *Translation) {
	ev := msg.Event
	if ev == nil || ev.Type != runtime.StreamContentBlockDelta || ev.Delta == nil {
		return
	}
	switch ev.Delta.Type {
	case runtime.DeltaText:
		t.add(models.Event{Kind: models.EventText, Text: &models.TextPayload{
			Text:  ev.Delta.Text,
			Delta: true,
		}})
	case runtime.DeltaThinking:
		t.add(models.Event{Kind: models.EventThinking, Text: &models.TextPayload{
			Text:  ev.Delta.Thinking,
			Delta: true,
		}})
	case runtime.DeltaInputJSON:
		t.add(models.Event{Kind: models.EventToolInput, Tool: &models.ToolPayload{
			PartialInput: ev.Delta.PartialJSON,
			Index:        ev.Index,
		}})
	}
}
