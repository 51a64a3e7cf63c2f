package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogger struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []string
}

func (f *fakeLogger) LogExecution(_ context.Context, exec *Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	f.written = append(f.written, exec.ID)
	return nil
}

func (f *fakeLogger) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]string(nil), f.written...)
}

func TestAuditWriterFlushDrainsQueue(t *testing.T) {
	db := &fakeLogger{}
	w := NewAuditWriter(db, 10)
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, w.Log(&Execution{ID: id}))
	}
	w.Start()
	w.Flush(2 * time.Second)

	_, written := db.snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, written)
}

func TestAuditWriterRetries(t *testing.T) {
	db := &fakeLogger{failures: 2}
	w := NewAuditWriter(db, 1)
	w.backoff = time.Millisecond
	w.Start()
	require.True(t, w.Log(&Execution{ID: "x"}))
	w.Flush(2 * time.Second)

	calls, written := db.snapshot()
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"x"}, written)
}

func TestAuditWriterGivesUp(t *testing.T) {
	db := &fakeLogger{failures: 100}
	w := NewAuditWriter(db, 1)
	w.backoff = time.Millisecond
	w.Start()
	w.Log(&Execution{ID: "x"})
	w.Flush(2 * time.Second)

	calls, written := db.snapshot()
	assert.Equal(t, 4, calls)
	assert.Empty(t, written)
}

func TestAuditWriterDropsWhenFull(t *testing.T) {
	w := NewAuditWriter(&fakeLogger{}, 1)
	assert.True(t, w.Log(&Execution{ID: "a"}))
	assert.False(t, w.Log(&Execution{ID: "b"}))
}

func TestAuditWriterDropsAfterFlush(t *testing.T) {
	w := NewAuditWriter(&fakeLogger{}, 4)
	w.Start()
	w.Flush(time.Second)
	w.Flush(time.Second)
	assert.False(t, w.Log(&Execution{ID: "late"}))
}

func TestHelpers(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 100}, {-1, 100}, {5, 5}, {1000, 1000}, {1001, 100},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if got := truncateForDB("abcdef", 3); got != "abc" {
		t.Errorf("truncateForDB = %q", got)
	}
	if got := truncateForDB("ab", 3); got != "ab" {
		t.Errorf("truncateForDB = %q", got)
	}
}
