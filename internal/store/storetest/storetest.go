// Package storetest is a conformance suite run by every store adapter's tests.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balanced/balanced/internal/document"
	"github.com/balanced/balanced/internal/store"
)

// Options describes where an adapter legitimately departs from the
// reference behaviour.
type Options struct {
	// TombstoneHidden means Read returns nil after DeleteMarker instead of
	// the tombstone record.
	TombstoneHidden bool

	// RestoreEvicts means Restore removes the written record rather than
	// reinstating prior. Derived projections rebuild it on reconciliation.
	RestoreEvicts bool
}

// Record builds a payment record for id at version with the given amount.
func Record(t *testing.T, id string, version, amount int64) store.Record {
	t.Helper()
	r, err := store.RecordOf(document.Document{
		ID:        id,
		Version:   version,
		SchemaRef: "payment",
		Body:      document.Object{"amount": document.Int(amount)},
	})
	require.NoError(t, err)
	return r
}

// Tombstone builds the tombstone that follows r.
func Tombstone(t *testing.T, r store.Record) store.Record {
	t.Helper()
	doc, err := r.Document()
	require.NoError(t, err)
	tomb, err := store.RecordOf(doc.Tombstone())
	require.NoError(t, err)
	return tomb
}

// Run exercises the adapter contract. newAdapter must return an empty adapter.
func Run(t *testing.T, newAdapter func(t *testing.T) store.Adapter, opts Options) {
	ctx := context.Background()

	t.Run("read absent", func(t *testing.T) {
		a := newAdapter(t)
		got, err := a.Read(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("write then read", func(t *testing.T) {
		a := newAdapter(t)
		v3 := Record(t, "D1", 3, 100)

		applied, err := a.Write(ctx, v3)
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := a.Read(ctx, "D1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assertSame(t, v3, *got)
	})

	t.Run("replay is a no-op", func(t *testing.T) {
		a := newAdapter(t)
		v3 := Record(t, "D1", 3, 100)
		mustWrite(t, a, v3)

		applied, err := a.Write(ctx, v3)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("stale writes are refused", func(t *testing.T) {
		a := newAdapter(t)
		v3 := Record(t, "D1", 3, 100)
		mustWrite(t, a, v3)

		_, err := a.Write(ctx, Record(t, "D1", 3, 101))
		assert.ErrorIs(t, err, store.ErrStale)

		_, err = a.Write(ctx, Record(t, "D1", 2, 100))
		assert.ErrorIs(t, err, store.ErrStale)

		got, err := a.Read(ctx, "D1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assertSame(t, v3, *got)
	})

	t.Run("newer version replaces", func(t *testing.T) {
		a := newAdapter(t)
		mustWrite(t, a, Record(t, "D1", 3, 100))
		v4 := Record(t, "D1", 4, 150)

		applied, err := a.Write(ctx, v4)
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := a.Read(ctx, "D1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assertSame(t, v4, *got)
	})

	t.Run("delete marker", func(t *testing.T) {
		a := newAdapter(t)
		v3 := Record(t, "D1", 3, 100)
		mustWrite(t, a, v3)
		tomb := Tombstone(t, v3)

		applied, err := a.DeleteMarker(ctx, tomb)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = a.DeleteMarker(ctx, tomb)
		require.NoError(t, err)
		assert.False(t, applied, "replayed delete")

		got, err := a.Read(ctx, "D1")
		require.NoError(t, err)
		if opts.TombstoneHidden {
			assert.Nil(t, got)
		} else {
			require.NotNil(t, got)
			assert.True(t, got.Deleted)
			assert.Equal(t, int64(4), got.Version)
		}

		_, err = a.Write(ctx, v3)
		assert.ErrorIs(t, err, store.ErrStale, "writes older than the tombstone")
	})

	t.Run("restore previous version", func(t *testing.T) {
		a := newAdapter(t)
		v3 := Record(t, "D1", 3, 100)
		v4 := Record(t, "D1", 4, 150)
		mustWrite(t, a, v3)
		mustWrite(t, a, v4)

		require.NoError(t, a.Restore(ctx, v4, &v3))
		got, err := a.Read(ctx, "D1")
		require.NoError(t, err)
		if opts.RestoreEvicts {
			assert.Nil(t, got)
		} else {
			require.NotNil(t, got)
			assertSame(t, v3, *got)
		}

		require.NoError(t, a.Restore(ctx, v4, &v3), "second restore is a no-op")
	})

	t.Run("restore removes created record", func(t *testing.T) {
		a := newAdapter(t)
		v1 := Record(t, "D2", 1, 5)
		mustWrite(t, a, v1)

		require.NoError(t, a.Restore(ctx, v1, nil))
		got, err := a.Read(ctx, "D2")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("restore of a write that never landed", func(t *testing.T) {
		a := newAdapter(t)
		v3 := Record(t, "D1", 3, 100)
		mustWrite(t, a, v3)

		require.NoError(t, a.Restore(ctx, Record(t, "D1", 4, 150), &v3))
		got, err := a.Read(ctx, "D1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assertSame(t, v3, *got)
	})

	t.Run("restore refuses a newer record", func(t *testing.T) {
		a := newAdapter(t)
		v3 := Record(t, "D1", 3, 100)
		v4 := Record(t, "D1", 4, 150)
		v5 := Record(t, "D1", 5, 175)
		mustWrite(t, a, v5)

		err := a.Restore(ctx, v4, &v3)
		assert.ErrorIs(t, err, store.ErrStale)

		got, err := a.Read(ctx, "D1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assertSame(t, v5, *got)
	})
}

func mustWrite(t *testing.T, a store.Adapter, r store.Record) {
	t.Helper()
	applied, err := a.Write(context.Background(), r)
	require.NoError(t, err)
	require.True(t, applied)
}

func assertSame(t *testing.T, want, got store.Record) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.SchemaRef, got.SchemaRef)
	assert.JSONEq(t, string(want.Body), string(got.Body))
	assert.Equal(t, want.Deleted, got.Deleted)
	assert.Equal(t, want.Digest, got.Digest)
}
