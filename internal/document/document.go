package document

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// DomainDocument is the digest domain prefix. The version suffix leaves room
// for a future algorithm change.
const DomainDocument = "balanced/document/v1"

// ErrInvalidDocument is returned when a Document is missing identity fields.
var ErrInvalidDocument = errors.New("document: invalid document")

// Document is the versioned unit of business data mutated by requests.
//
// ID is immutable. Version strictly increases on every accepted mutation.
// Deleted marks the tombstone state; tombstoned documents are never
// hard-deleted.
type Document struct {
	ID        string `json:"id"`
	Version   int64  `json:"version"`
	SchemaRef string `json:"schema_ref"`
	Body      Object `json:"body"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// Validate checks the identity fields of a Document.
func (d Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDocument)
	}
	if d.SchemaRef == "" {
		return fmt.Errorf("%w: empty schema_ref", ErrInvalidDocument)
	}
	if d.Version < 0 {
		return fmt.Errorf("%w: negative version %d", ErrInvalidDocument, d.Version)
	}
	return nil
}

// Clone returns a deep copy of the Document.
func (d Document) Clone() Document {
	d.Body = d.Body.Clone()
	return d
}

// Next returns a copy of d with the given body at the next version.
func (d Document) Next(body Object) Document {
	next := d.Clone()
	next.Body = body
	next.Version = d.Version + 1
	return next
}

// Tombstone returns a copy of d marked deleted at the next version.
// The body is kept for audit.
func (d Document) Tombstone() Document {
	next := d.Clone()
	next.Version = d.Version + 1
	next.Deleted = true
	return next
}

// CanonicalBody returns the canonical JSON encoding of the body.
// A nil body encodes as {}.
func (d Document) CanonicalBody() ([]byte, error) {
	if d.Body == nil {
		return []byte("{}"), nil
	}
	return MarshalCanonical(d.Body)
}

// Digest computes the content-addressed identity of one document version.
// Two stores holding the same (id, version, schema_ref, body, deleted) agree
// on the digest, which is what makes replayed writes detectable.
func (d Document) Digest() (string, error) {
	body := d.Body
	if body == nil {
		body = Object{}
	}
	obj := Object{
		"id":         String(d.ID),
		"version":    Int(d.Version),
		"schema_ref": String(d.SchemaRef),
		"body":       body,
		"deleted":    Bool(d.Deleted),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return hashWithDomain(DomainDocument, canonical), nil
}

// MustDigest is like Digest but panics on error.
// Use only in tests or when the body is known to be valid.
func MustDigest(d Document) string {
	digest, err := d.Digest()
	if err != nil {
		panic(err)
	}
	return digest
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
