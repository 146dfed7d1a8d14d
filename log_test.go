package realtime

import (
	"log"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLogFnLevels(t *testing.T) {
	out := &strings.Builder{}
	savedLogger := logger
	savedLevel := GlobalLogLevel
	defer func() {
		logger = savedLogger
		GlobalLogLevel = savedLevel
	}()
	logger = log.New(out, "", 0)

	tagged := LogFn(LogLevelDebug, "[x]")
	sub := SubLogFn(LogLevelDebug, tagged, "y")

	GlobalLogLevel = LogLevelUrgent
	tagged("quiet %d", 1)
	sub("quiet %d", 2)
	assert.Equal(t, out.String(), "")

	GlobalLogLevel = LogLevelDebug
	tagged("loud %d", 1)
	sub("loud %d", 2)
	assert.Equal(t, strings.Contains(out.String(), "[x]: loud 1"), true)
	assert.Equal(t, strings.Contains(out.String(), "y: loud 2"), true)
}
