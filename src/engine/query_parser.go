package engine

import (
	"regexp"
	"strings"
	"unicode"

	"kitedb/src/models"
)

// Command operations understood by ParseCommand.
const (
	OpAdd    = "add"
	OpFind   = "find"
	OpDelete = "delete"
	OpUpdate = "update"
	OpCreate = "create"
	OpDrop   = "drop"
)

// Command is a parsed `<collection>.<operation>{payload}` line.
type Command struct {
	Operation  string
	Collection string

	// Filter for find, delete and update. Empty matches everything.
	Query models.Document

	// Documents for add, patches for update.
	Data []models.Document

	// Optional schema for create.
	Schema *models.Schema
}

var commandRegex = regexp.MustCompile(`^(\w+)\.(\w+)\s*\{(.*)\}$`)

// ParseCommand parses one textual command. Every failure is a validation error.
func ParseCommand(command string) (*Command, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, validationErrorf("parse", "command cannot be empty")
	}
	match := commandRegex.FindStringSubmatch(command)
	if match == nil {
		return nil, validationErrorf("parse", "command format should be <collection>.<operation>{parameters}")
	}

	cmd := &Command{Collection: match[1], Operation: match[2], Query: models.Document{}}
	payload := strings.TrimSpace(match[3])

	switch cmd.Operation {
	case OpAdd:
		if payload == "" {
			return nil, validationErrorf("parse", "add payload cannot be empty")
		}
		docs, err := parseDocuments(payload, "add")
		if err != nil {
			return nil, err
		}
		cmd.Data = docs

	case OpFind, OpDelete:
		if payload == "" {
			return cmd, nil
		}
		query, err := parseObject("{"+payload+"}", "query")
		if err != nil {
			return nil, err
		}
		cmd.Query = query

	case OpUpdate:
		queryPart, updatePart, err := SplitUpdatePayload(payload)
		if err != nil {
			return nil, err
		}
		query, err := parseObject(braceFragment(queryPart), "query")
		if err != nil {
			return nil, err
		}
		var patches []models.Document
		if strings.HasPrefix(updatePart, "[") {
			patches, err = parseDocuments(updatePart, "update")
		} else {
			var patch models.Document
			patch, err = parseObject(braceFragment(updatePart), "update")
			patches = []models.Document{patch}
		}
		if err != nil {
			return nil, err
		}
		cmd.Query = query
		cmd.Data = patches

	case OpCreate:
		if payload == "" {
			return cmd, nil
		}
		raw, err := parseObject("{"+payload+"}", "schema")
		if err != nil {
			return nil, err
		}
		schema, err := models.SchemaFromValue(models.Object(raw))
		if err != nil {
			return nil, validationErrorf("parse", "invalid schema: %v", err)
		}
		cmd.Schema = schema

	case OpDrop:
		if payload != "" {
			return nil, validationErrorf("parse", "drop takes no parameters")
		}

	default:
		return nil, validationErrorf("parse", "unsupported operation: %s", cmd.Operation)
	}

	return cmd, nil
}

// braceFragment wraps a bare `"k": v` fragment in braces; fragments that are
// already an object literal are used as-is.
func braceFragment(fragment string) string {
	if strings.HasPrefix(fragment, "{") && strings.HasSuffix(fragment, "}") {
		if _, err := models.ParseDocument([]byte(fragment)); err == nil {
			return fragment
		}
	}
	return "{" + fragment + "}"
}

func parseObject(text, what string) (models.Document, error) {
	v, err := models.ParseValue([]byte(text))
	if err != nil {
		return nil, validationErrorf("parse", "invalid JSON in %s: %v", what, err)
	}
	doc, ok := v.AsObject()
	if !ok {
		return nil, validationErrorf("parse", "%s must be an object", what)
	}
	return doc, nil
}

// parseDocuments accepts a single object or a non-empty array of objects.
func parseDocuments(text, what string) ([]models.Document, error) {
	v, err := models.ParseValue([]byte(text))
	if err != nil {
		return nil, validationErrorf("parse", "invalid JSON in %s payload: %v", what, err)
	}
	if doc, ok := v.AsObject(); ok {
		return []models.Document{doc}, nil
	}
	items, ok := v.AsArray()
	if !ok {
		return nil, validationErrorf("parse", "%s payload must be an object or a list of objects", what)
	}
	if len(items) == 0 {
		return nil, validationErrorf("parse", "%s list cannot be empty", what)
	}
	docs := make([]models.Document, len(items))
	for i, item := range items {
		doc, ok := item.AsObject()
		if !ok {
			return nil, validationErrorf("parse", "all %s list entries must be objects", what)
		}
		docs[i] = doc
	}
	return docs, nil
}

// SplitUpdatePayload splits an update payload into its query and update
// fragments. The split happens at the first comma outside strings at brace
// depth zero, or failing that right after the first balanced {...} block
// that is followed by another '{'.
func SplitUpdatePayload(payload string) (string, string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", "", validationErrorf("parse", "update payload cannot be empty")
	}

	split, skip := findTopLevelComma(payload), 1
	if split < 0 {
		split, skip = findBlockBoundary(payload), 0
	}
	if split < 0 {
		return "", "", validationErrorf("parse",
			"invalid update payload: must contain query and update JSON objects separated by comma or whitespace")
	}

	query := strings.TrimSpace(payload[:split])
	update := strings.TrimSpace(payload[split+skip:])
	if query == "" || update == "" {
		return "", "", validationErrorf("parse", "both query and update must be non-empty JSON objects")
	}
	return query, update, nil
}

// payloadScanner walks JSON-ish text tracking string literals and brace depth.
type payloadScanner struct {
	inString bool
	escape   bool
	depth    int
}

// step consumes one byte and reports whether it is structural (outside a string).
func (s *payloadScanner) step(ch byte) bool {
	if s.escape {
		s.escape = false
		return false
	}
	switch {
	case ch == '\\':
		s.escape = true
		return false
	case ch == '"':
		s.inString = !s.inString
		return false
	case s.inString:
		return false
	case ch == '{':
		s.depth++
	case ch == '}':
		s.depth--
	}
	return true
}

func findTopLevelComma(payload string) int {
	var s payloadScanner
	for i := 0; i < len(payload); i++ {
		ch := payload[i]
		if s.step(ch) && ch == ',' && s.depth == 0 {
			return i
		}
	}
	return -1
}

func findBlockBoundary(payload string) int {
	var s payloadScanner
	for i := 0; i < len(payload); i++ {
		ch := payload[i]
		if !s.step(ch) || ch != '}' || s.depth != 0 {
			continue
		}
		rest := strings.TrimLeftFunc(payload[i+1:], unicode.IsSpace)
		if strings.HasPrefix(rest, "{") {
			return i + 1
		}
	}
	return -1
}
