package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// ValueKind is the JSON type a payload value must have
type ValueKind string

const (
	KindAny    ValueKind = "any"
	KindObject ValueKind = "object"
	KindArray  ValueKind = "array"
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
)

// ExtraFieldsPolicy controls undeclared object fields
type ExtraFieldsPolicy int

const (
	ExtraAllow ExtraFieldsPolicy = iota
	ExtraReject
)

// SchemaField declares one top-level field of an object payload
type SchemaField struct {
	Name     string
	Kind     ValueKind
	Required bool
}

// PayloadSchema is a shallow structural check applied before a handler runs
type PayloadSchema struct {
	Root   ValueKind
	Fields []SchemaField
	Extra  ExtraFieldsPolicy
}

// Validate checks payload. An empty payload is treated as JSON null.
func (s *PayloadSchema) Validate(payload json.RawMessage) error {
	if s == nil {
		return nil
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("null")
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("payload is not valid JSON: %v", err)
	}

	if !kindMatches(s.Root, v) {
		return fmt.Errorf("payload must be %s, got %s", s.Root, kindOf(v))
	}
	if s.Root != KindObject {
		return nil
	}

	obj := v.(map[string]interface{})
	declared := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		declared[f.Name] = struct{}{}
		fv, ok := obj[f.Name]
		if !ok {
			if f.Required {
				return fmt.Errorf("missing required field %q", f.Name)
			}
			continue
		}
		if !kindMatches(f.Kind, fv) {
			return fmt.Errorf("field %q must be %s, got %s", f.Name, f.Kind, kindOf(fv))
		}
	}

	if s.Extra == ExtraReject {
		var extra []string
		for name := range obj {
			if _, ok := declared[name]; !ok {
				extra = append(extra, name)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			return fmt.Errorf("unexpected fields: %s", strings.Join(extra, ", "))
		}
	}
	return nil
}

func kindMatches(want ValueKind, v interface{}) bool {
	if want == "" || want == KindAny {
		return true
	}
	return kindOf(v) == want
}

func kindOf(v interface{}) ValueKind {
	switch v.(type) {
	case map[string]interface{}:
		return KindObject
	case []interface{}:
		return KindArray
	case string:
		return KindString
	case json.Number, float64:
		return KindNumber
	case bool:
		return KindBool
	case nil:
		return "null"
	default:
		return KindAny
	}
}

// SchemaFromCUE compiles a CUE source and converts the value at path into a
// PayloadSchema. Closed structs (definitions) reject extra fields; optional
// fields (name?) are not required.
//
//	#Deposit: { amount: number, memo?: string }
func SchemaFromCUE(src, path string) (*PayloadSchema, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(src)
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	v := root.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return nil, fmt.Errorf("schema path %s not found", path)
	}
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("schema path %s: %w", path, err)
	}

	schema := &PayloadSchema{Root: cueKind(v)}
	if schema.Root != KindObject {
		return schema, nil
	}

	iter, err := v.Fields(cue.Optional(true))
	if err != nil {
		return nil, fmt.Errorf("schema path %s: %w", path, err)
	}
	for iter.Next() {
		schema.Fields = append(schema.Fields, SchemaField{
			Name:     iter.Label(),
			Kind:     cueKind(iter.Value()),
			Required: !iter.IsOptional(),
		})
	}
	if !v.Allows(cue.Str("__undeclared_field__")) {
		schema.Extra = ExtraReject
	}
	return schema, nil
}

func cueKind(v cue.Value) ValueKind {
	switch v.IncompleteKind() {
	case cue.StructKind:
		return KindObject
	case cue.ListKind:
		return KindArray
	case cue.StringKind:
		return KindString
	case cue.IntKind, cue.FloatKind, cue.NumberKind:
		return KindNumber
	case cue.BoolKind:
		return KindBool
	default:
		return KindAny
	}
}
