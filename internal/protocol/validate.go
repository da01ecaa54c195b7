package protocol

import (
	"bytes"
	"embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

const schemaBaseURL = "https://listsync.local/schemas/"

// IntentTypes lists every message type a client may send.
var IntentTypes = []Type{
	TypeJoinList,
	TypeLeaveList,
	TypeCreateItem,
	TypeUpdateItem,
	TypeToggleItem,
	TypeDeleteItem,
	TypeReorderItem,
	TypeSetTyping,
	TypeSetSelecting,
}

// Validator checks inbound intent payloads against the embedded JSON
// schemas before they are decoded.
type Validator struct {
	schemas map[Type]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	for _, t := range IntentTypes {
		data, err := schemaFiles.ReadFile("schemas/" + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", t, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", t, err)
		}
		if err := compiler.AddResource(schemaBaseURL+string(t)+".json", doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", t, err)
		}
	}
	schemas := make(map[Type]*jsonschema.Schema, len(IntentTypes))
	for _, t := range IntentTypes {
		schema, err := compiler.Compile(schemaBaseURL + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", t, err)
		}
		schemas[t] = schema
	}
	return &Validator{schemas: schemas}, nil
}

// Validate rejects unknown intent types and payloads that do not match the
// intent's schema. Errors match ErrInvalidIntent.
func (v *Validator) Validate(msg Message) error {
	schema, ok := v.schemas[msg.Type]
	if !ok {
		return &ValidationError{Type: msg.Type, Err: fmt.Errorf("unknown message type %q", msg.Type)}
	}
	payload := msg.Payload
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return &ValidationError{Type: msg.Type, Err: err}
	}
	if err := schema.Validate(inst); err != nil {
		return &ValidationError{Type: msg.Type, Err: flattenSchemaError(err)}
	}
	return nil
}

func flattenSchemaError(err error) error {
	msg := strings.TrimSpace(err.Error())
	msg = strings.Join(strings.Fields(msg), " ")
	return fmt.Errorf("%s", msg)
}
