package zarrdl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dandi/ddl/internal/progressx"
)

func TestProgressCombinerAggregatesSizeAndDone(t *testing.T) {
	c := NewProgressCombiner("zarr-asset", 2)

	c.Feed(progressx.SizeEvent("a.dat", 100))
	c.Feed(progressx.SizeEvent("b.dat", 50))
	events := c.Feed(progressx.DoneEvent("a.dat", 100, 100, true))

	var sawDone bool
	for _, e := range events {
		if e.HasDone {
			sawDone = true
			assert.Equal(t, uint64(100), e.Done)
		}
	}
	assert.True(t, sawDone)
}

func TestProgressCombinerEmitsDoneOnlyWhenAllEntriesFinish(t *testing.T) {
	c := NewProgressCombiner("zarr-asset", 2)

	events := c.Feed(progressx.DoneTerminalEvent("a.dat"))
	for _, e := range events {
		assert.NotEqual(t, progressx.StatusDone, e.Status, "must not report done with one of two entries finished")
	}
	assert.False(t, c.Done())

	events = c.Feed(progressx.DoneTerminalEvent("b.dat"))
	var sawDone bool
	for _, e := range events {
		if e.HasStatus && e.Status == progressx.StatusDone {
			sawDone = true
		}
	}
	assert.True(t, sawDone)
	assert.True(t, c.Done())
	assert.False(t, c.Failed())
}

func TestProgressCombinerReportsErrorAndShrinksMaxSize(t *testing.T) {
	c := NewProgressCombiner("zarr-asset", 2)
	c.Feed(progressx.SizeEvent("a.dat", 100))
	c.Feed(progressx.SizeEvent("b.dat", 50))

	events := c.Feed(progressx.ErrorEvent("a.dat", "boom"))

	var sawError bool
	for _, e := range events {
		if e.HasStatus && e.Status == progressx.StatusError {
			sawError = true
		}
	}
	assert.False(t, sawError, "outer status must not turn to error while b.dat is still in flight")

	events = c.Feed(progressx.DoneTerminalEvent("b.dat"))
	sawError = false
	for _, e := range events {
		if e.HasStatus && e.Status == progressx.StatusError {
			sawError = true
		}
	}
	assert.True(t, sawError)
	assert.True(t, c.Failed())
	assert.Equal(t, uint64(50), c.maxSize, "a failed entry's declared size should no longer count toward the aggregate")
}

func TestProgressCombinerSuppressesRepeatedOuterStatus(t *testing.T) {
	c := NewProgressCombiner("zarr-asset", 3)

	events := c.Feed(progressx.StatusEvent("a.dat", progressx.StatusDownloading))
	var sawDownloading bool
	for _, e := range events {
		if e.HasStatus && e.Path == "zarr-asset" && e.Status == progressx.StatusDownloading {
			sawDownloading = true
		}
	}
	assert.True(t, sawDownloading, "the first entry to start downloading should trigger the outer downloading status")

	events = c.Feed(progressx.StatusEvent("b.dat", progressx.StatusDownloading))
	for _, e := range events {
		assert.False(t, e.HasStatus && e.Path == "zarr-asset", "a second entry starting downloading shouldn't retrigger an already-reported outer status")
	}
}
