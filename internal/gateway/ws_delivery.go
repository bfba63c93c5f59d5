package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conduit/internal/sessions"
	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	// wsFrameBudget is the payload room left in a frame after its envelope.
	wsFrameBudget = wsMaxPayloadBytes - 16<<10
	// wsFallbackFieldBytes is the field cap applied to an event that does
	// not fit in one frame even after buffering-time clamping.
	wsFallbackFieldBytes = 4 << 10
)

// wsReplayChunk is the payload of one replay frame. A replay spans one or
// more frames numbered from zero; the last has Final set.
type wsReplayChunk struct {
	SessionID string            `json:"session_id"`
	Events    []json.RawMessage `json:"events"`
	FromSeq   uint64            `json:"from_seq,omitempty"`
	ToSeq     uint64            `json:"to_seq,omitempty"`
	Chunk     int               `json:"chunk"`
	Final     bool              `json:"final"`
}

// Deliver implements sessions.Subscriber. It never blocks. A notification
// that cannot be queued closes the connection: the registry has already
// dropped it from the group, and the client resumes by reconnecting and
// replaying.
func (s *wsSession) Deliver(n sessions.Notification) error {
	var err error
	switch n.Type {
	case sessions.NotifyReplay:
		err = s.sendReplay(n)
	case sessions.NotifySessions:
		err = s.sendEvent(string(n.Type), n)
		for errors.Is(err, errPayloadTooLarge) && len(n.Sessions) > 1 {
			n.Sessions = n.Sessions[:len(n.Sessions)/2]
			n.Truncated = true
			err = s.sendEvent(string(n.Type), n)
		}
	default:
		err = s.sendEvent(string(n.Type), n)
		if errors.Is(err, errPayloadTooLarge) && n.Event != nil {
			evt := n.Event.Clamp(wsFallbackFieldBytes)
			n.Event = &evt
			err = s.sendEvent(string(n.Type), n)
		}
	}
	if err != nil {
		s.abandon(err)
	}
	return err
}

// sendReplay splits a replay into frames that each fit the payload limit and
// queues them as one batch.
func (s *wsSession) sendReplay(n sessions.Notification) error {
	var frames []wsFrame
	chunk := wsReplayChunk{SessionID: n.SessionID, Events: []json.RawMessage{}}
	size := 0
	flush := func(final bool) {
		chunk.Final = final
		frames = append(frames, wsFrame{Type: "event", Event: string(sessions.NotifyReplay), Payload: chunk})
		chunk = wsReplayChunk{SessionID: n.SessionID, Events: []json.RawMessage{}, Chunk: chunk.Chunk + 1}
		size = 0
	}
	for _, evt := range n.Events {
		raw, err := encodeReplayEvent(evt)
		if err != nil {
			return err
		}
		if len(chunk.Events) > 0 && size+len(raw)+1 > wsFrameBudget {
			flush(false)
		}
		if len(chunk.Events) == 0 {
			chunk.FromSeq = evt.Seq
		}
		chunk.ToSeq = evt.Seq
		chunk.Events = append(chunk.Events, raw)
		size += len(raw) + 1
	}
	flush(true)
	return s.enqueue(frames...)
}

func encodeReplayEvent(evt models.Event) (json.RawMessage, error) {
	raw, err := json.Marshal(evt)
	if err != nil || len(raw) <= wsFrameBudget {
		return raw, err
	}
	return json.Marshal(evt.Clamp(wsFallbackFieldBytes))
}

// abandon closes a connection that missed a delivery. Closing with "try
// again later" tells the client to reconnect and resubscribe.
func (s *wsSession) abandon(cause error) {
	if errors.Is(cause, errConnectionClosed) {
		return
	}
	s.abandonOnce.Do(func() {
		s.logger.Warn("closing connection after failed delivery", "error", cause)
		s.control.metrics.RecordError("ws", "delivery")
		s.cancel()
		// Deliver runs under the session entry lock; the close handshake
		// must not hold it.
		go func() {
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "missed events; reconnect to resume")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
			_ = s.conn.Close()
		}()
	})
}
