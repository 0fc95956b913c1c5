package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogger(t *testing.T) {
	t.Helper()
	mu.Lock()
	logger = nil
	mu.Unlock()
	t.Cleanup(func() {
		Sync()
		mu.Lock()
		logger = nil
		mu.Unlock()
	})
}

func TestDailyFileRotatesAtMidnight(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC))

	f, err := newDailyFile(dir, "piswarm", clock)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("first\n"))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = f.Write([]byte("second\n"))
	require.NoError(t, err)

	day1, err := os.ReadFile(filepath.Join(dir, "piswarm-2026-03-01.log"))
	require.NoError(t, err)
	day2, err := os.ReadFile(filepath.Join(dir, "piswarm-2026-03-02.log"))
	require.NoError(t, err)

	assert.Equal(t, "first\n", string(day1))
	assert.Equal(t, "second\n", string(day2))
}

func TestInitWritesSeverityTaggedLines(t *testing.T) {
	resetLogger(t)
	t.Setenv("PISWARM_LOG_LEVEL", "")
	t.Setenv("PISWARM_LOG_DIR", "")

	var console bytes.Buffer
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC))

	require.NoError(t, Init(Options{Level: "debug", Dir: dir, Console: &console, Clock: clock}))

	L().Warnw("host skipped", "host", "192.168.1.20")
	L().Debugw("probe")

	out := console.String()
	assert.Contains(t, out, " - WARN - host skipped")
	assert.Contains(t, out, "192.168.1.20")
	assert.Contains(t, out, " - DEBUG - probe")

	Sync()
	data, err := os.ReadFile(filepath.Join(dir, "piswarm-2026-10-17.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "host skipped")
}

func TestInitRespectsLevel(t *testing.T) {
	resetLogger(t)
	t.Setenv("PISWARM_LOG_LEVEL", "error")
	t.Setenv("PISWARM_LOG_DIR", "")

	var console bytes.Buffer
	require.NoError(t, Init(Options{Level: "debug", Console: &console}))

	L().Infow("quiet")
	L().Errorw("loud")

	assert.NotContains(t, console.String(), "quiet")
	assert.Contains(t, console.String(), " - ERROR - loud")
}

func TestFormatNodeMessage(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		role     string
		want     string
	}{
		{"all parts", "pi-node-20", "manager", "→ [192.168.1.20 - [pi-node-20] - manager] installing Docker"},
		{"no hostname", "", "worker", "→ [192.168.1.20 - worker] installing Docker"},
		{"no role", "pi-node-20", "", "→ [192.168.1.20 - [pi-node-20]] installing Docker"},
		{"bare", "", "", "→ [192.168.1.20] installing Docker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatNodeMessage("→", "192.168.1.20", tt.hostname, tt.role, "installing Docker")
			assert.Equal(t, tt.want, got)
		})
	}
}
