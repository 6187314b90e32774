package ingest

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/accelspeed/internal/motion"
)

func TestReplayLines_Stamps(t *testing.T) {
	rec := &recorder{}
	in := "# header\n0,0,9.8\n\n1,0,9.8\n2,0,9.8\n"
	lines, failures, err := ReplayLines(context.Background(), strings.NewReader(in), 1000, 150*time.Millisecond, rec)
	require.NoError(t, err)
	assert.Equal(t, 3, lines)
	assert.Equal(t, 0, failures)
	assert.Equal(t, []recordedLine{{"0,0,9.8", 1000}, {"1,0,9.8", 1150}, {"2,0,9.8", 1300}}, rec.got())
}

func TestReplayLines_WalkFixture(t *testing.T) {
	f, err := os.Open("testdata/walk.csv")
	require.NoError(t, err)
	defer f.Close()

	rig := newTestHandler(t)
	lines, failures, err := ReplayLines(context.Background(), f, 0, 0, rig.h)
	require.NoError(t, err)
	assert.Equal(t, 120, lines)
	assert.Equal(t, 0, failures)

	// 20 Hz input against a 100 ms debounce keeps every third sample.
	assert.Equal(t, motion.Counters{Primed: 1, Accepted: 39, Debounced: 80}, rig.h.Stats().Pipeline)
	assert.Len(t, rig.store.all(), 39)
}

func TestReplayLines_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lines, _, err := ReplayLines(ctx, strings.NewReader("0,0,9.8\n"), 0, 0, &recorder{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, lines)
}
