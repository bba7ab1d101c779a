package logger_test

import (
	"bytes"
	"testing"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/logger"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logger.DebugLevel, logger.ParseLevel("debug"))
	assert.Equal(t, logger.InfoLevel, logger.ParseLevel("info"))
	assert.Equal(t, logger.WarnLevel, logger.ParseLevel("warning"))
	assert.Equal(t, logger.ErrorLevel, logger.ParseLevel("error"))
	assert.Equal(t, logger.InfoLevel, logger.ParseLevel("bogus"))
}

func TestComponentLoggerTagsEvents(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, "debug", true)
	defer logger.SetLogLevel(logger.InfoLevel)

	log := logger.Component("regulator")
	log.Info().Float64("temperature", 56.5).Msg("cooling engaged")

	out := buf.String()
	assert.Contains(t, out, "cooling engaged")
	assert.Contains(t, out, "component=regulator")
	assert.Contains(t, out, "temperature=56.5")
}

func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, "info", true)
	defer logger.SetLogLevel(logger.InfoLevel)

	err := errors.New().New(errors.ErrMissingConfig)
	logger.Component("config").ErrorWithCode(err).Msg("startup refused")

	assert.Contains(t, buf.String(), "error_code=missing_configuration")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, "warning", true)
	defer logger.SetLogLevel(logger.InfoLevel)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNopDiscards(t *testing.T) {
	log := logger.Nop()
	log.Error().Msg("nothing")
}
