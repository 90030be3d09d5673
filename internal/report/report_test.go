package report

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowContainsIsInclusive(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 31, 23, 59, 0, 0, time.UTC)
	w := Window{Start: start, End: end}

	assert.True(t, w.Contains(start))
	assert.True(t, w.Contains(end))
	assert.True(t, w.Contains(start.Add(time.Hour)))
	assert.False(t, w.Contains(start.Add(-time.Nanosecond)))
	assert.False(t, w.Contains(end.Add(time.Nanosecond)))

	assert.True(t, w.Expired(end))
	assert.False(t, w.Expired(end.Add(-time.Second)))
}

func TestPatchApply(t *testing.T) {
	t.Parallel()
	ran := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	def := Definition{ID: "r1", IsActive: true, LastError: "boom", Widgets: []string{"bar"}}

	active := false
	none := ""
	widgets := []string{"pie", "line"}
	p := Patch{IsActive: &active, LastRun: &ran, LastError: &none, Widgets: &widgets}
	require.False(t, p.Empty())
	p.Apply(&def)

	assert.False(t, def.IsActive)
	require.NotNil(t, def.LastRun)
	assert.True(t, def.LastRun.Equal(ran))
	assert.Empty(t, def.LastError)
	assert.Equal(t, []string{"pie", "line"}, def.Widgets)

	widgets[0] = "mutated"
	assert.Equal(t, "pie", def.Widgets[0], "patch must not alias caller slices")

	assert.True(t, Patch{}.Empty())
}

func TestCloneDoesNotAlias(t *testing.T) {
	t.Parallel()
	ran := time.Now()
	d := Definition{Widgets: []string{"a"}, Recipients: []string{"x@example.com"}, LastRun: &ran}
	cp := d.Clone()
	cp.Widgets[0] = "b"
	cp.Recipients[0] = "y@example.com"
	*cp.LastRun = ran.Add(time.Hour)

	assert.Equal(t, "a", d.Widgets[0])
	assert.Equal(t, "x@example.com", d.Recipients[0])
	assert.True(t, d.LastRun.Equal(ran))
}

func TestFilterMatch(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	expired := Definition{IsActive: true, Window: Window{End: now.Add(-time.Minute)}}
	endsNow := Definition{IsActive: false, Window: Window{End: now}}
	live := Definition{IsActive: true, Window: Window{End: now.Add(time.Hour)}}

	f := ExpiredAt(now)
	assert.True(t, f.Match(expired))
	assert.True(t, f.Match(endsNow))
	assert.False(t, f.Match(live))

	a := Active()
	assert.True(t, a.Match(expired))
	assert.False(t, a.Match(endsNow))
	assert.True(t, Filter{}.Match(endsNow))
}

func TestStoreErrorWrapping(t *testing.T) {
	t.Parallel()
	err := WrapStore("find", "r1", fmt.Errorf("lookup: %w", ErrNotFound))
	assert.True(t, IsNotFound(err))

	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "find", se.Op)
	assert.Contains(t, err.Error(), "store find r1")

	assert.Same(t, err, WrapStore("update", "r1", err), "already wrapped errors pass through")
	assert.NoError(t, WrapStore("x", "", nil))
}

func TestLabel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Sales", Definition{ID: "1", Dashboard: Dashboard{Name: "Sales"}}.Label())
	assert.Equal(t, "1", Definition{ID: "1"}.Label())
}
