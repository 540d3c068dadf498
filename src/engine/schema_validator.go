package engine

import (
	"sort"
	"strings"

	"kitedb/src/models"
)

// ValidateDocument checks doc against a closed schema: every declared field
// must be present with a matching type and no undeclared field may appear.
// A nil or empty schema accepts anything.
func ValidateDocument(schema *models.Schema, doc models.Document) error {
	if err := ValidateKeys(doc); err != nil {
		return err
	}
	if schema.IsEmpty() {
		return nil
	}

	for _, field := range sortedFieldNames(schema.Fields) {
		typeName := schema.Fields[field]
		fieldType, err := models.ParseFieldType(typeName)
		if err != nil {
			return validationErrorf("validate", "unknown type in schema: %s", typeName)
		}
		val, ok := doc[field]
		if !ok {
			return validationErrorf("validate", "missing required field: %s", field)
		}
		if !fieldType.Accepts(val) {
			return validationErrorf("validate", "field %s must be of type %s, got %s", field, typeName, describeKind(val))
		}
	}

	for _, field := range doc.Keys() {
		if _, ok := schema.Fields[field]; !ok {
			return validationErrorf("validate", "unexpected field in document: %s", field)
		}
	}
	return nil
}

// ValidateSchema rejects schemas that declare unknown type names.
func ValidateSchema(schema *models.Schema) error {
	if schema.IsEmpty() {
		return nil
	}
	for _, field := range sortedFieldNames(schema.Fields) {
		if strings.ContainsRune(field, 0) {
			return validationErrorf("schema", "field name %q contains a NUL byte", field)
		}
		if _, err := models.ParseFieldType(schema.Fields[field]); err != nil {
			return validationErrorf("schema", "field %s: %v", field, err)
		}
	}
	return nil
}

// ValidateKeys rejects NUL bytes in field names at any depth of doc; chunk
// files store field names as C strings.
func ValidateKeys(doc models.Document) error {
	for _, field := range doc.Keys() {
		if strings.ContainsRune(field, 0) {
			return validationErrorf("validate", "field name %q contains a NUL byte", field)
		}
		if err := validateNestedKeys(doc[field]); err != nil {
			return err
		}
	}
	return nil
}

func validateNestedKeys(v models.Value) error {
	if obj, ok := v.AsObject(); ok {
		return ValidateKeys(obj)
	}
	items, _ := v.AsArray()
	for _, item := range items {
		if err := validateNestedKeys(item); err != nil {
			return err
		}
	}
	return nil
}

func describeKind(v models.Value) string {
	if v.Kind() == models.KindNumber {
		if v.IsIntegral() {
			return "int"
		}
		return "float"
	}
	return v.Kind().String()
}

func sortedFieldNames(fields map[string]string) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
