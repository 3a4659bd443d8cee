package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balanced/balanced/internal/store"
	"github.com/balanced/balanced/internal/store/storetest"
)

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Adapter {
		return New("mem", store.Strong)
	}, storetest.Options{})
}

func TestFaulty_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Adapter {
		return NewFaulty(New("mem", store.Strong))
	}, storetest.Options{})
}

func TestStore_ReadReturnsCopy(t *testing.T) {
	s := New("mem", store.Strong)
	s.Put(storetest.Record(t, "D1", 3, 100))

	got, err := s.Read(context.Background(), "D1")
	require.NoError(t, err)
	got.Body[0] = 'X'

	again, err := s.Read(context.Background(), "D1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":100}`, string(again.Body))
}

func TestStore_Snapshot(t *testing.T) {
	s := New("mem", store.BestEffort)
	s.Put(storetest.Record(t, "b", 1, 1))
	s.Put(storetest.Record(t, "a", 1, 1))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "b", snap[1].ID)
	assert.Equal(t, store.BestEffort, s.Consistency())
}

func TestFaulty_FailsBeforeApply(t *testing.T) {
	inner := New("mem", store.Strong)
	f := NewFaulty(inner)
	f.Inject(OpWrite, Fault{Times: 1})

	_, err := f.Write(context.Background(), storetest.Record(t, "D1", 1, 1))
	assert.ErrorIs(t, err, ErrInjected)
	assert.Empty(t, inner.Snapshot())

	applied, err := f.Write(context.Background(), storetest.Record(t, "D1", 1, 1))
	require.NoError(t, err, "fault was limited to one call")
	assert.True(t, applied)
	assert.Equal(t, 2, f.Calls(OpWrite))
}

func TestFaulty_FailsAfterApply(t *testing.T) {
	inner := New("mem", store.Strong)
	f := NewFaulty(inner)
	boom := errors.New("timeout after ack")
	f.Inject(OpWrite, Fault{Err: boom, AfterApply: true})

	_, err := f.Write(context.Background(), storetest.Record(t, "D1", 1, 1))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, inner.Snapshot(), 1, "write landed even though the caller saw an error")
}

func TestFaulty_DelayHonorsContext(t *testing.T) {
	f := NewFaulty(New("mem", store.Strong))
	f.Inject(OpRead, Fault{Delay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Read(ctx, "D1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFaulty_Clear(t *testing.T) {
	f := NewFaulty(New("mem", store.Strong))
	f.Inject(OpRestore, Fault{})
	f.Clear()

	assert.NoError(t, f.Restore(context.Background(), storetest.Record(t, "D1", 1, 1), nil))
	assert.Equal(t, 1, f.Calls(OpRestore))
}
