package errors_test

import (
	"fmt"
	"io"
	"testing"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const errTest = errors.ErrorCode("test_failure")

func TestFactoryMessages(t *testing.T) {
	f := errors.New()

	err := f.New(errors.ErrMissingConfig)
	assert.Equal(t, "Missing configuration", err.Error())
	assert.Equal(t, errors.ErrMissingConfig, err.Code())

	err = f.WithData(errors.ErrMissingConfig, "regulator.max_temp")
	assert.Equal(t, "Missing configuration: regulator.max_temp", err.Error())
	assert.Equal(t, "regulator.max_temp", err.GetData())

	err = f.WithMessage(errTest, "boom")
	assert.Equal(t, "boom", err.Error())

	// unregistered codes fall back to the code itself
	assert.Equal(t, "test_failure", f.New(errTest).Error())
}

func TestWrapKeepsChain(t *testing.T) {
	f := errors.New()
	err := f.Wrap(errors.ErrTimeout, io.ErrUnexpectedEOF)

	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "unexpected EOF")

	wrapped := fmt.Errorf("fetch: %w", err)
	assert.True(t, errors.HasCode(wrapped, errors.ErrTimeout))
	assert.False(t, errors.HasCode(wrapped, errors.ErrInternal))
	assert.Equal(t, errors.ErrTimeout, errors.CodeOf(wrapped))
	assert.Equal(t, errors.ErrorCode(""), errors.CodeOf(io.EOF))
}

func TestHasCodeFindsInnerCode(t *testing.T) {
	f := errors.New()
	inner := f.New(errors.ErrInvalidConfig)
	outer := f.Wrap(errors.ErrInitApp, inner)

	assert.True(t, errors.HasCode(outer, errors.ErrInvalidConfig))
	assert.True(t, errors.HasCode(outer, errors.ErrInitApp))
	assert.Equal(t, errors.ErrInitApp, errors.CodeOf(outer))
}

func TestRegisterMessage(t *testing.T) {
	code := errors.ErrorCode("registered_for_test")
	errors.RegisterMessage(code, "Registered message")
	assert.Equal(t, "Registered message", errors.New().New(code).Error())
}
