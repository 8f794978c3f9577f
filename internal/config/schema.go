package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/basket/crpc/internal/shared"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchemaJSON is the wire schema every config write is validated
// against before it replaces the file. Section bodies stay open-ended
// (normalize fills gaps); the top level is closed so typos fail loudly.
const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "include": {
      "oneOf": [
        {"type": "string"},
        {"type": "array", "items": {"type": "string"}}
      ]
    },
    "server": {
      "type": "object",
      "properties": {
        "bind_addr": {"type": "string"},
        "base_dir": {"type": "string"},
        "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "allow_origins": {"type": "array", "items": {"type": "string"}},
        "handshake_grace_seconds": {"type": "integer", "minimum": 1},
        "telemetry": {"type": "object"}
      }
    },
    "auth": {
      "type": "object",
      "properties": {
        "token": {"type": "string"},
        "password_hash": {"type": "string"},
        "allow_loopback": {"type": "boolean"},
        "trusted_proxies": {"type": "array", "items": {"type": "string"}},
        "peer_identity_header": {"type": "string"},
        "rate_limit": {"type": "object"},
        "hooks": {"type": "object"}
      }
    },
    "agents": {
      "type": "object",
      "properties": {
        "defaults": {"type": "object"},
        "list": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["agent_id"],
            "properties": {
              "agent_id": {"type": "string", "minLength": 1},
              "model": {"type": "string"},
              "system_prompt": {"type": "string"},
              "tool_policy": {
                "type": "object",
                "properties": {
                  "mode": {"type": "string", "enum": ["allow_all", "allow_list", "deny_list"]},
                  "tools": {"type": "array", "items": {"type": "string"}}
                }
              },
              "channel": {"type": "string"}
            }
          }
        },
        "providers": {"type": "object"},
        "chunk_timeout_seconds": {"type": "integer", "minimum": 1},
        "approval_ttl_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "channels": {"type": "object"},
    "sessions": {
      "type": "object",
      "properties": {
        "scoping": {"type": "string", "enum": ["global", "per_sender", "per_channel_peer"]},
        "reset": {
          "type": "object",
          "properties": {
            "policy": {"type": "string", "enum": ["manual", "daily", "idle"]},
            "idle_days": {"type": "integer", "minimum": 1},
            "boundary_local": {"type": "string", "pattern": "^[0-2]?[0-9]:[0-5][0-9]$"}
          }
        },
        "retention_days": {"type": "integer", "minimum": 0},
        "sweep_interval_minutes": {"type": "integer", "minimum": 1},
        "compact_keep_last": {"type": "integer", "minimum": 1}
      }
    },
    "plugins": {"type": "object"},
    "cron": {"type": "object"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add config schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("config.schema.json")
	})
	return schema, schemaErr
}

// Validate checks a raw config document against the schema.
func Validate(raw map[string]any) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	// Round-trip through the validator's unmarshaller for json.Number handling.
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(mustJSON(raw)))
	if err != nil {
		return shared.Wrap(shared.KindSchemaInvalid, "encode config for validation", err)
	}
	if err := sch.Validate(value); err != nil {
		return shared.Wrap(shared.KindSchemaInvalid, "config schema validation", err)
	}
	return nil
}
