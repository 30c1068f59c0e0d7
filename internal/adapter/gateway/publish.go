package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"chatwire/internal/domain"
)

// publishSchema is the contract for chat_message frame payloads. Widgets
// embed on arbitrary pages, so the gateway trusts nothing about the shape
// of what they send.
const publishSchema = `{
	"type": "object",
	"required": ["session_id", "content"],
	"properties": {
		"session_id": {"type": "integer", "minimum": 1},
		"sender": {"type": "string", "enum": ["visitor", "agent", "system"]},
		"content": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

// PublishPayload is a validated chat_message payload.
type PublishPayload struct {
	SessionID int64  `json:"session_id"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content"`
}

func compilePublishSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("publish.json", strings.NewReader(publishSchema)); err != nil {
		return nil, fmt.Errorf("add publish schema: %w", err)
	}
	schema, err := compiler.Compile("publish.json")
	if err != nil {
		return nil, fmt.Errorf("compile publish schema: %w", err)
	}
	return schema, nil
}

// parsePublish validates raw against the publish schema and decodes it.
// Sender defaults to visitor, the common case for embedded widgets.
func parsePublish(schema *jsonschema.Schema, raw json.RawMessage) (PublishPayload, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return PublishPayload{}, domain.NewSubSystemError("payload", "Gateway.Publish",
			domain.ErrInvalidInput, "payload is not JSON")
	}
	if err := schema.Validate(v); err != nil {
		return PublishPayload{}, domain.NewSubSystemError("payload", "Gateway.Publish",
			domain.ErrInvalidInput, err.Error())
	}

	var p PublishPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return PublishPayload{}, domain.NewSubSystemError("payload", "Gateway.Publish",
			domain.ErrInvalidInput, err.Error())
	}
	if p.Sender == "" {
		p.Sender = domain.SenderVisitor
	}
	return p, nil
}
