package patch

import (
	"errors"
	"fmt"
)

// ErrDocumentDeleted is returned when a patch targets a tombstoned document.
var ErrDocumentDeleted = errors.New("patch: document is deleted")

// PatchError reports a malformed patch or an operation that could not be
// applied. OpIndex is -1 when the error concerns the patch as a whole.
// No operation of the patch set has been applied when it is returned.
type PatchError struct {
	OpIndex int
	Op      string
	Path    string
	Reason  string
}

func (e *PatchError) Error() string {
	if e.OpIndex < 0 {
		return fmt.Sprintf("patch: %s", e.Reason)
	}
	if e.Path != "" {
		return fmt.Sprintf("patch op %d (%s %s): %s", e.OpIndex, e.Op, e.Path, e.Reason)
	}
	return fmt.Sprintf("patch op %d (%s): %s", e.OpIndex, e.Op, e.Reason)
}

// VersionConflict reports that the caller's expected version does not match
// the current version of the document. The caller must re-read and retry.
type VersionConflict struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d", e.ID, e.Expected, e.Actual)
}

// IsPatchError reports whether err is or wraps a *PatchError.
func IsPatchError(err error) bool {
	var pe *PatchError
	return errors.As(err, &pe)
}

// IsVersionConflict reports whether err is or wraps a *VersionConflict.
func IsVersionConflict(err error) bool {
	var vc *VersionConflict
	return errors.As(err, &vc)
}
