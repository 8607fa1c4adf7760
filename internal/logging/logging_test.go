package logging

import (
	"bytes"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, log.WarnLevel, Level(-1))
	assert.Equal(t, log.WarnLevel, Level(0))
	assert.Equal(t, log.InfoLevel, Level(1))
	assert.Equal(t, log.DebugLevel, Level(2))
	assert.Equal(t, log.DebugLevel, Level(5))
}

func TestNewWithWriterFiltersByVerbosity(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, 0)
	logger.Info("hidden")
	logger.WithFields(log.Fields{"slice": 12}).Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "slice=12")
}
