package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadSchemas holds the JSON Schema for each command payload.
var payloadSchemas = map[Method]string{
	MethodLaneCreate: `{
		"type": "object",
		"properties": {
			"lane_id":       {"type": "string"},
			"worktree_path": {"type": "string"},
			"agents":        {"type": "array", "items": {"type": "string", "minLength": 1}},
			"force_error":   {"type": "boolean"}
		}
	}`,
	MethodLaneCleanup: `{
		"type": "object",
		"properties": {
			"force": {"type": "boolean"}
		}
	}`,
	MethodLaneExecute: `{
		"type": "object",
		"required": ["command"],
		"properties": {
			"command":    {"type": "string", "minLength": 1},
			"args":       {"type": "array", "items": {"type": "string"}},
			"cwd":        {"type": "string"},
			"timeout_ms": {"type": "integer", "minimum": 1}
		}
	}`,
	MethodLaneTransition: `{
		"type": "object",
		"required": ["event"],
		"properties": {
			"event": {"enum": ["provision", "ready", "run", "complete", "block", "unblock", "share", "unshare", "cleanup", "close", "fail", "retry"]}
		}
	}`,
	MethodSessionAttach: `{
		"type": "object",
		"properties": {
			"transport":           {"enum": ["primary", "fallback"]},
			"provider_session_id": {"type": "string"},
			"restore":             {"type": "boolean"},
			"force_error":         {"type": "boolean"}
		}
	}`,
	MethodSessionDetach: `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"}
		}
	}`,
	MethodSessionTerminate: `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"}
		}
	}`,
	MethodSessionHeartbeat: `{"type": "object"}`,
	MethodTerminalSpawn: `{
		"type": "object",
		"properties": {
			"title":       {"type": "string"},
			"command":     {"type": "string"},
			"args":        {"type": "array", "items": {"type": "string"}},
			"cwd":         {"type": "string"},
			"env":         {"type": "object", "additionalProperties": {"type": "string"}},
			"cols":        {"type": "number"},
			"rows":        {"type": "number"},
			"force_error": {"type": "boolean"}
		}
	}`,
	MethodTerminalInput: `{
		"type": "object",
		"required": ["data"],
		"properties": {
			"data": {"type": "string"}
		}
	}`,
	MethodTerminalResize: `{
		"type": "object",
		"required": ["cols", "rows"],
		"properties": {
			"cols": {"type": "number"},
			"rows": {"type": "number"}
		}
	}`,
	MethodTerminalClose:   `{"type": "object"}`,
	MethodRuntimeSnapshot: `{"type": "object"}`,
}

var compiledSchemas = mustCompileSchemas()

func mustCompileSchemas() map[Method]*jsonschema.Schema {
	c := jsonschema.NewCompiler()
	out := make(map[Method]*jsonschema.Schema, len(payloadSchemas))
	for m, src := range payloadSchemas {
		url := string(m) + ".json"
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			panic(fmt.Sprintf("envelope: schema %s: %v", m, err))
		}
		if err := c.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("envelope: schema %s: %v", m, err))
		}
		sch, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("envelope: schema %s: %v", m, err))
		}
		out[m] = sch
	}
	return out
}

// validatePayload checks payload against the schema registered for m.
// The payload is re-read through jsonschema.UnmarshalJSON so numbers arrive
// as json.Number whatever Go type the caller used.
func validatePayload(m Method, payload map[string]any) error {
	sch, ok := compiledSchemas[m]
	if !ok {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}
