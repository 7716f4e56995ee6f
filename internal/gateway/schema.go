package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// wsSchemaRegistry lazily compiles the request frame schema and per-method
// param schemas. Compilation happens once; failures surface on first use.
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
			"ping":       wsPingParamsSchema,
			"chat.send":  wsChatSendParamsSchema,
			"chat.abort": wsChatAbortParamsSchema,
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
		if len(frame.Params) == 0 {
			params = map[string]any{}
		} else if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
		if err := schema.Validate(params); err != nil {
			return err
		}
	}
	return nil
}

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

const wsPingParamsSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const wsChatSendParamsSchema = `{
  "type": "object",
  "required": ["message", "user_id"],
  "properties": {
    "message": { "type": "string", "minLength": 1 },
    "user_id": { "type": "string", "minLength": 1 },
    "conversation_id": { "type": "string" },
    "agent_id": { "type": "string" },
    "stream": { "type": "boolean" },
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "path": { "type": "string" },
          "data": { "type": "string" }
        },
        "additionalProperties": true
      }
    },
    "variables": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "additionalProperties": true
}`

const wsChatAbortParamsSchema = `{
  "type": "object",
  "required": ["session_id"],
  "properties": {
    "session_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`
