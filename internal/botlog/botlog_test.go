package botlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/pkg/logging"
)

func TestLoggerWritesToBotScopedFiles(t *testing.T) {
	dir := t.TempDir()

	l, err := New(dir, 42, logging.DebugLevel)
	require.NoError(t, err)

	l.Info("order placed", "order_id", 1001)
	l.Debug("price tick", "price", "65000.50")
	l.Close()

	tradesPath := filepath.Join(dir, "bot_42", "trades.log")
	debugPath := filepath.Join(dir, "bot_42", "debug.log")

	tradesContent, err := os.ReadFile(tradesPath)
	require.NoError(t, err)
	assert.Contains(t, string(tradesContent), "order placed")
	assert.Contains(t, string(tradesContent), "order_id=1001")

	debugContent, err := os.ReadFile(debugPath)
	require.NoError(t, err)
	assert.Contains(t, string(debugContent), "price tick")
}

func TestLoggerLevelGating(t *testing.T) {
	dir := t.TempDir()

	l, err := New(dir, 7, logging.InfoLevel)
	require.NoError(t, err)

	l.Debug("should not appear")
	l.Info("should appear")
	l.Close()

	debugContent, err := os.ReadFile(filepath.Join(dir, "bot_7", "debug.log"))
	require.NoError(t, err)
	assert.Empty(t, string(debugContent))

	tradesContent, err := os.ReadFile(filepath.Join(dir, "bot_7", "trades.log"))
	require.NoError(t, err)
	assert.Contains(t, string(tradesContent), "should appear")
}

func TestWithFieldsAttachesToSubsequentEntries(t *testing.T) {
	dir := t.TempDir()

	base, err := New(dir, 3, logging.InfoLevel)
	require.NoError(t, err)

	scoped := base.WithField("symbol", "BTCUSDT")
	scoped.Info("grid initialized")
	base.Close()

	content, err := os.ReadFile(filepath.Join(dir, "bot_3", "trades.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "symbol=BTCUSDT")
}

func TestCloseDrainsQueueBeforeReturning(t *testing.T) {
	dir := t.TempDir()

	l, err := New(dir, 9, logging.InfoLevel)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		l.Info("tick")
	}
	l.Close()

	content, err := os.ReadFile(filepath.Join(dir, "bot_9", "trades.log"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(content), 500*len("tick"))
}

func TestFatalWritesSynchronouslyBeforeExit(t *testing.T) {
	// Fatal calls os.Exit, so it is only exercised indirectly here via the
	// shared write path it uses (writeSync) to confirm the entry format.
	dir := t.TempDir()
	l, err := New(dir, 11, logging.InfoLevel)
	require.NoError(t, err)
	defer l.Close()

	e := l.build("FATAL", "unrecoverable", nil)
	l.info.writeSync(e)

	time.Sleep(10 * time.Millisecond)
}
