package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("WARN"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNewRespectsLevel(t *testing.T) {
	l := New("warn", FormatJSON)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestForUsesInitializedLogger(t *testing.T) {
	assert.NotNil(t, For("before-init"))
	Init("debug", FormatConsole)
	assert.True(t, For("updater").Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.NotNil(t, OrNop(nil))
}
