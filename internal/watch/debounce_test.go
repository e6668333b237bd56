package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDebouncer_BurstCoalescesToOneChange(t *testing.T) {
	dir := t.TempDir()
	d := NewDebouncer(dir, 100*time.Millisecond)
	defer d.Stop()

	writeFile(t, dir, "a.obj", "v cube")
	for i := 0; i < 10; i++ {
		d.Notify("a.obj")
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case s := <-d.Output():
		assert.Equal(t, "a.obj", s.Name)
		assert.True(t, s.Exists)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for settled change")
	}

	select {
	case s := <-d.Output():
		t.Fatalf("unexpected second settled change: %+v", s)
	case <-time.After(250 * time.Millisecond):
	}
}

func TestDebouncer_MetadataObservedAtExpiry(t *testing.T) {
	dir := t.TempDir()
	d := NewDebouncer(dir, 80*time.Millisecond)
	defer d.Stop()

	writeFile(t, dir, "grow.obj", "v")
	d.Notify("grow.obj")

	// Grow the file inside the quiet period; the settled change must
	// report the final size, not the one at first notification.
	time.Sleep(20 * time.Millisecond)
	writeFile(t, dir, "grow.obj", "v 1 2 3\nv 4 5 6\n")
	d.Notify("grow.obj")

	select {
	case s := <-d.Output():
		assert.True(t, s.Exists)
		assert.Equal(t, int64(len("v 1 2 3\nv 4 5 6\n")), s.Size)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for settled change")
	}
}

func TestDebouncer_CreateThenDeleteSettlesAsAbsent(t *testing.T) {
	dir := t.TempDir()
	d := NewDebouncer(dir, 60*time.Millisecond)
	defer d.Stop()

	writeFile(t, dir, "temp.obj", "v")
	d.Notify("temp.obj")
	require.NoError(t, os.Remove(filepath.Join(dir, "temp.obj")))
	d.Notify("temp.obj")

	select {
	case s := <-d.Output():
		assert.Equal(t, "temp.obj", s.Name)
		assert.False(t, s.Exists, "file deleted inside quiet period must settle as absent")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for settled change")
	}
}

func TestDebouncer_NamesSettleIndependently(t *testing.T) {
	dir := t.TempDir()
	d := NewDebouncer(dir, 50*time.Millisecond)
	defer d.Stop()

	writeFile(t, dir, "a.obj", "v")
	writeFile(t, dir, "b.obj", "v")
	d.Notify("a.obj")
	d.Notify("b.obj")

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-d.Output():
			got[s.Name] = true
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for settled changes")
		}
	}
	assert.True(t, got["a.obj"])
	assert.True(t, got["b.obj"])
}

func TestDebouncer_NotifyAfterStopIsNoop(t *testing.T) {
	d := NewDebouncer(t.TempDir(), 20*time.Millisecond)
	d.Stop()
	d.Stop() // idempotent
	d.Notify("late.obj")

	select {
	case s := <-d.Output():
		t.Fatalf("unexpected settled change after stop: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExtFilter(t *testing.T) {
	match := ExtFilter([]string{".obj", ".stl"})
	assert.True(t, match("cube.obj"))
	assert.True(t, match("CUBE.OBJ"))
	assert.True(t, match("part.stl"))
	assert.False(t, match("notes.txt"))
	assert.False(t, match("obj"))
}
