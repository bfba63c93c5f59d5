package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type wsSchemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("ws_request", wsRequestSchema)
		if err != nil {
			wsSchemas.initErr = err
			return
		}
		wsSchemas.request = reqSchema

		methods := map[string]string{
			"connect":             wsConnectParamsSchema,
			"ping":                wsEmptyParamsSchema,
			"subscribe":           wsSubscribeParamsSchema,
			"unsubscribe":         wsSessionParamsSchema,
			"start":               wsStartParamsSchema,
			"abort":               wsSessionParamsSchema,
			"status":              wsSessionParamsSchema,
			"list":                wsEmptyParamsSchema,
			"load":                wsSessionParamsSchema,
			"models":              wsEmptyParamsSchema,
			"commands":            wsCommandsParamsSchema,
			"permission_response": wsPermissionResponseParamsSchema,
		}

		wsSchemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("ws_method_"+name, schema)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.methods[name] = compiled
		}
	})
	return wsSchemas.initErr
}

// validateWSRequestFrame checks the frame envelope and, for known methods,
// the params object.
func validateWSRequestFrame(raw []byte, frame *wsFrame) error {
	if err := initWSSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := wsSchemas.request.Validate(payload); err != nil {
		return err
	}
	if frame == nil {
		return fmt.Errorf("missing frame")
	}
	if schema := wsSchemas.methods[frame.Method]; schema != nil {
		var params any
		if len(frame.Params) == 0 || string(frame.Params) == "null" {
			params = map[string]any{}
		} else if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
		if err := schema.Validate(params); err != nil {
			return &paramsError{err: err}
		}
	}
	return nil
}

// paramsError marks a request whose params failed schema validation.
type paramsError struct {
	err error
}

func (e *paramsError) Error() string { return "invalid params: " + e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

const wsRequestSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const wsConnectParamsSchema = `{
  "type": "object",
  "required": ["minProtocol", "maxProtocol", "client"],
  "properties": {
    "minProtocol": { "type": "integer", "minimum": 1 },
    "maxProtocol": { "type": "integer", "minimum": 1 },
    "client": {
      "type": "object",
      "required": ["id", "version", "platform"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "version": { "type": "string", "minLength": 1 },
        "platform": { "type": "string", "minLength": 1 },
        "userAgent": { "type": "string" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

const wsEmptyParamsSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const wsSessionParamsSchema = `{
  "type": "object",
  "required": ["sessionId"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1, "maxLength": 128 }
  },
  "additionalProperties": true
}`

const wsSubscribeParamsSchema = `{
  "type": "object",
  "properties": {
    "sessionId": { "type": "string", "maxLength": 128 }
  },
  "additionalProperties": true
}`

const wsStartParamsSchema = `{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "sessionId": { "type": "string", "maxLength": 128 },
    "prompt": { "type": "string", "minLength": 1 },
    "cwd": { "type": "string" },
    "model": { "type": "string" },
    "permissionMode": { "enum": ["", "default", "acceptEdits", "bypassPermissions", "plan"] },
    "idempotencyKey": { "type": "string" }
  },
  "additionalProperties": true
}`

const wsCommandsParamsSchema = `{
  "type": "object",
  "properties": {
    "cwd": { "type": "string" }
  },
  "additionalProperties": true
}`

const wsPermissionResponseParamsSchema = `{
  "type": "object",
  "required": ["sessionId", "requestId", "allowed"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 },
    "requestId": { "type": "string", "minLength": 1 },
    "allowed": { "type": "boolean" },
    "reason": { "type": "string" },
    "updatedInput": { "type": "object" },
    "policyUpdate": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "enum": ["allow_tool", "set_mode"] },
        "toolName": { "type": "string" },
        "mode": { "enum": ["default", "acceptEdits", "bypassPermissions", "plan"] }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`
