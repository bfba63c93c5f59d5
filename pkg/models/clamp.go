package models

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

// TruncationMarker is appended to text cut by Clamp.
const TruncationMarker = "…[truncated]"

// Clamp returns a copy of e whose free-form fields (text, tool input and
// output, error messages) are cut to at most limit bytes. A JSON field that
// is too large is replaced by a JSON string holding its truncated text.
// Truncated is set on the copy when anything was cut. A non-positive limit
// returns e unchanged.
//
// Payload structs are copied before they are modified; e itself is never
// mutated.
func (e Event) Clamp(limit int) Event {
	if limit <= 0 {
		return e
	}
	c := clamper{limit: limit}
	if e.User != nil && len(e.User.Text) > limit {
		u := *e.User
		u.Text = c.text(u.Text)
		e.User = &u
	}
	if e.Text != nil && len(e.Text.Text) > limit {
		t := *e.Text
		t.Text = c.text(t.Text)
		e.Text = &t
	}
	if e.Status != nil && len(e.Status.Message) > limit {
		s := *e.Status
		s.Message = c.text(s.Message)
		e.Status = &s
	}
	if e.Tool != nil && (len(e.Tool.Input) > limit || len(e.Tool.PartialInput) > limit || len(e.Tool.Output) > limit) {
		t := *e.Tool
		t.Input = c.raw(t.Input)
		t.PartialInput = c.text(t.PartialInput)
		t.Output = c.text(t.Output)
		e.Tool = &t
	}
	if e.Permission != nil {
		p := *e.Permission
		if p.Request != nil && len(p.Request.ToolInput) > limit {
			req := *p.Request
			req.ToolInput = c.raw(req.ToolInput)
			p.Request = &req
		}
		if p.Decision != nil && (len(p.Decision.UpdatedInput) > limit || len(p.Decision.Reason) > limit) {
			d := *p.Decision
			d.UpdatedInput = c.raw(d.UpdatedInput)
			d.Reason = c.text(d.Reason)
			p.Decision = &d
		}
		e.Permission = &p
	}
	if e.Result != nil && len(e.Result.Text) > limit {
		r := *e.Result
		r.Text = c.text(r.Text)
		e.Result = &r
	}
	if e.Error != nil && len(e.Error.Message) > limit {
		er := *e.Error
		er.Message = c.text(er.Message)
		e.Error = &er
	}
	if c.cut {
		e.Truncated = true
	}
	return e
}

type clamper struct {
	limit int
	cut   bool
}

func (c *clamper) text(s string) string {
	if len(s) <= c.limit {
		return s
	}
	c.cut = true
	end := max(c.limit-len(TruncationMarker), 0)
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end] + TruncationMarker
}

func (c *clamper) raw(msg json.RawMessage) json.RawMessage {
	if len(msg) <= c.limit {
		return msg
	}
	c.cut = true
	// Escaping at most doubles the text, so keep half the limit.
	s := string(msg)
	end := max(c.limit/2-len(TruncationMarker)-2, 0)
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s[:end] + TruncationMarker); err != nil {
		return json.RawMessage(`"` + TruncationMarker + `"`)
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n"))
}
