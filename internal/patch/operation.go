package patch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/balanced/balanced/internal/document"
)

// Operation kinds accepted by the engine.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpTest    = "test"
)

// Operation is one structural edit of a document body.
//
// Path and From are JSON pointers ("/a/b"). A path without a leading slash
// is read as a dotted field path ("a.b") and normalized.
type Operation struct {
	Op    string
	Path  string
	From  string
	Value document.Value // nil when absent
}

// Replace is shorthand for a replace operation.
func Replace(path string, v document.Value) Operation {
	return Operation{Op: OpReplace, Path: path, Value: v}
}

// Add is shorthand for an add operation.
func Add(path string, v document.Value) Operation {
	return Operation{Op: OpAdd, Path: path, Value: v}
}

// Remove is shorthand for a remove operation.
func Remove(path string) Operation {
	return Operation{Op: OpRemove, Path: path}
}

// Move is shorthand for a move operation.
func Move(from, path string) Operation {
	return Operation{Op: OpMove, From: from, Path: path}
}

// Test is shorthand for a test operation.
func Test(path string, v document.Value) Operation {
	return Operation{Op: OpTest, Path: path, Value: v}
}

type wireOperation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// UnmarshalJSON decodes an RFC 6902 operation object. Values follow the
// document body rules, so floats are rejected.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*o = Operation{Op: w.Op, Path: w.Path, From: w.From}
	if len(w.Value) > 0 {
		v, err := document.ParseValue(w.Value)
		if err != nil {
			return fmt.Errorf("value: %w", err)
		}
		o.Value = v
	}
	return nil
}

// MarshalJSON encodes the operation in RFC 6902 form with a canonical value.
func (o Operation) MarshalJSON() ([]byte, error) {
	w := wireOperation{Op: o.Op, Path: o.Path, From: o.From}
	if o.Value != nil {
		raw, err := document.MarshalCanonical(o.Value)
		if err != nil {
			return nil, err
		}
		w.Value = raw
	}
	return json.Marshal(w)
}

// normalize checks the operation shape and rewrites dotted paths to pointers.
func (o Operation) normalize() (Operation, error) {
	switch o.Op {
	case OpAdd, OpReplace, OpTest:
		if o.Value == nil {
			return o, fmt.Errorf("%s requires a value", o.Op)
		}
	case OpRemove:
	case OpMove:
		from, err := NormalizePath(o.From)
		if err != nil {
			return o, fmt.Errorf("from: %w", err)
		}
		o.From = from
	case "":
		return o, fmt.Errorf("missing op")
	default:
		return o, fmt.Errorf("unsupported op %q", o.Op)
	}

	path, err := NormalizePath(o.Path)
	if err != nil {
		return o, err
	}
	o.Path = path
	return o, nil
}

// NormalizePath converts a field path into an RFC 6901 JSON pointer.
// Pointers pass through unchanged; dotted paths are split on "." with
// "~" and "/" escaped. The document root is not a valid target.
func NormalizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("the document root is not patchable")
	}
	if strings.HasPrefix(path, "/") {
		return path, nil
	}

	segments := strings.Split(path, ".")
	var b strings.Builder
	for _, seg := range segments {
		if seg == "" {
			return "", fmt.Errorf("empty segment in path %q", path)
		}
		seg = strings.ReplaceAll(seg, "~", "~0")
		seg = strings.ReplaceAll(seg, "/", "~1")
		b.WriteByte('/')
		b.WriteString(seg)
	}
	return b.String(), nil
}
