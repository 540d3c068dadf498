package models

import "fmt"

// FieldType is the declared type of a schema field.
type FieldType string

const (
	FieldString  FieldType = "str"
	FieldInteger FieldType = "int"
	FieldFloat   FieldType = "float"
	FieldBoolean FieldType = "bool"
	FieldList    FieldType = "list"
	FieldObject  FieldType = "dict"
)

var fieldTypeAliases = map[string]FieldType{
	"str":     FieldString,
	"string":  FieldString,
	"int":     FieldInteger,
	"integer": FieldInteger,
	"float":   FieldFloat,
	"bool":    FieldBoolean,
	"boolean": FieldBoolean,
	"list":    FieldList,
	"dict":    FieldObject,
	"object":  FieldObject,
}

// ParseFieldType resolves a declared type name, accepting the long aliases.
func ParseFieldType(name string) (FieldType, error) {
	t, ok := fieldTypeAliases[name]
	if !ok {
		return "", fmt.Errorf("unknown field type %q", name)
	}
	return t, nil
}

// Accepts reports whether v satisfies the type. Integers are accepted
// where a float is declared; the reverse is not true.
func (t FieldType) Accepts(v Value) bool {
	switch t {
	case FieldString:
		return v.Kind() == KindString
	case FieldInteger:
		return v.IsIntegral()
	case FieldFloat:
		return v.Kind() == KindNumber
	case FieldBoolean:
		return v.Kind() == KindBool
	case FieldList:
		return v.Kind() == KindArray
	case FieldObject:
		return v.Kind() == KindObject
	}
	return false
}

// Schema is a closed set of required fields and their declared type names.
type Schema struct {
	Fields map[string]string `bson:"fields" json:"fields" yaml:"fields"`
}

// IsEmpty reports whether the schema declares nothing, which means the
// collection accepts any document.
func (s *Schema) IsEmpty() bool { return s == nil || len(s.Fields) == 0 }

func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	fields := make(map[string]string, len(s.Fields))
	for k, v := range s.Fields {
		fields[k] = v
	}
	return &Schema{Fields: fields}
}

// SchemaFromValue reads a schema of the form {"fields": {"name": "str"}}.
func SchemaFromValue(v Value) (*Schema, error) {
	obj, ok := v.AsObject()
	if !ok {
		return nil, fmt.Errorf("schema must be an object, got %s", v.Kind())
	}
	for k := range obj {
		if k != "fields" {
			return nil, fmt.Errorf("unexpected schema key %q", k)
		}
	}
	fieldsVal, ok := obj["fields"]
	if !ok {
		return &Schema{Fields: map[string]string{}}, nil
	}
	fields, ok := fieldsVal.AsObject()
	if !ok {
		return nil, fmt.Errorf("schema fields must be an object, got %s", fieldsVal.Kind())
	}
	s := &Schema{Fields: make(map[string]string, len(fields))}
	for name, typ := range fields {
		typeName, ok := typ.AsString()
		if !ok {
			return nil, fmt.Errorf("type of field %q must be a string", name)
		}
		s.Fields[name] = typeName
	}
	return s, nil
}
