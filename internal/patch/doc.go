// Package patch applies structured patch operations to documents.
//
// A patch set is a list of RFC 6902 operations restricted to add, remove,
// replace, move and test. Apply is atomic: operations run against a private
// canonical copy of the body and the result is only returned when every
// operation succeeded and the new body validates against the document's
// schema. Any failure leaves the input document untouched.
//
// Optimistic concurrency: the caller passes the version it read. A mismatch
// returns *VersionConflict before any operation is considered.
package patch
