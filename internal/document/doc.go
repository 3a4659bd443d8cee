// Package document defines the versioned Document and its body value model.
//
// This package holds type definitions and serialization only. All other
// internal packages import document; document imports nothing internal.
//
// Key constraints:
//   - Body values are a sealed variant: Null, String, Int, Bool, Array, Object
//   - NO float types anywhere; amounts travel as int64 minor units
//   - Canonical JSON (RFC 8785) is the only encoding used for digests and
//     for the bytes handed to store adapters
//   - Version is a logical counter owned by the Document, never a timestamp
package document
