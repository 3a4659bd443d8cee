package patch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/balanced/balanced/internal/document"
)

// Validator checks a body against the schema identified by ref.
type Validator interface {
	Validate(body document.Object, ref string) error
}

// Engine applies patch sets to documents.
type Engine struct {
	validator Validator
}

// NewEngine returns an Engine that validates results with v.
// A nil validator skips validation.
func NewEngine(v Validator) *Engine {
	return &Engine{validator: v}
}

// Apply applies ops to doc and returns the next version of the document.
//
// Errors: *VersionConflict when expectedVersion differs from doc.Version,
// ErrDocumentDeleted for tombstones, *PatchError for malformed or failing
// operations, and whatever the Validator returns for schema violations.
func (e *Engine) Apply(doc document.Document, ops []Operation, expectedVersion int64) (document.Document, error) {
	if expectedVersion != doc.Version {
		return document.Document{}, &VersionConflict{ID: doc.ID, Expected: expectedVersion, Actual: doc.Version}
	}
	if doc.Deleted {
		return document.Document{}, fmt.Errorf("%w: %s", ErrDocumentDeleted, doc.ID)
	}
	if len(ops) == 0 {
		return document.Document{}, &PatchError{OpIndex: -1, Reason: "empty patch"}
	}

	compiled, normalized, err := compile(ops)
	if err != nil {
		return document.Document{}, err
	}

	current, err := doc.CanonicalBody()
	if err != nil {
		return document.Document{}, &PatchError{OpIndex: -1, Reason: err.Error()}
	}

	// one op at a time so a failure can name its index
	for i, op := range compiled {
		if err := requireTarget(current, normalized[i]); err != nil {
			return document.Document{}, &PatchError{OpIndex: i, Op: ops[i].Op, Path: ops[i].Path, Reason: err.Error()}
		}
		out, err := jsonpatch.Patch{op}.Apply(current)
		if err != nil {
			return document.Document{}, &PatchError{OpIndex: i, Op: ops[i].Op, Path: ops[i].Path, Reason: err.Error()}
		}
		current = out
	}

	body, err := document.ParseObject(current)
	if err != nil {
		return document.Document{}, &PatchError{OpIndex: -1, Reason: fmt.Sprintf("patched body: %v", err)}
	}

	if e.validator != nil {
		if err := e.validator.Validate(body, doc.SchemaRef); err != nil {
			return document.Document{}, err
		}
	}

	return doc.Next(body), nil
}

// compile normalizes and encodes every operation before anything is applied.
func compile(ops []Operation) ([]jsonpatch.Operation, []Operation, error) {
	compiled := make([]jsonpatch.Operation, len(ops))
	normalized := make([]Operation, len(ops))
	for i, op := range ops {
		norm, err := op.normalize()
		if err != nil {
			return nil, nil, &PatchError{OpIndex: i, Op: op.Op, Path: op.Path, Reason: err.Error()}
		}

		raw, err := json.Marshal(norm)
		if err != nil {
			return nil, nil, &PatchError{OpIndex: i, Op: op.Op, Path: op.Path, Reason: err.Error()}
		}

		decoded, err := jsonpatch.DecodePatch(append(append([]byte{'['}, raw...), ']'))
		if err != nil {
			return nil, nil, &PatchError{OpIndex: i, Op: op.Op, Path: op.Path, Reason: err.Error()}
		}
		compiled[i] = decoded[0]
		normalized[i] = norm
	}
	return compiled, normalized, nil
}

// requireTarget fails replace and test operations whose path does not exist
// in body. RFC 6902 requires both targets to be present.
func requireTarget(body []byte, op Operation) error {
	if op.Op != OpReplace && op.Op != OpTest {
		return nil
	}
	root, err := document.ParseValue(body)
	if err != nil {
		return err
	}
	if !resolves(root, op.Path) {
		return fmt.Errorf("path %s does not exist", op.Path)
	}
	return nil
}

// resolves reports whether the JSON pointer names an existing value.
func resolves(v document.Value, pointer string) bool {
	if pointer == "" {
		return true
	}
	for _, token := range strings.Split(pointer[1:], "/") {
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		switch node := v.(type) {
		case document.Object:
			child, ok := node[token]
			if !ok {
				return false
			}
			v = child
		case document.Array:
			idx, err := strconv.Atoi(token)
			if err != nil || idx < 0 || idx >= len(node) || (len(token) > 1 && token[0] == '0') {
				return false
			}
			v = node[idx]
		default:
			return false
		}
	}
	return true
}
