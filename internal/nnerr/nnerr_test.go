package nnerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeValuesAreStable(t *testing.T) {
	assert.EqualValues(t, 0, Success)
	assert.EqualValues(t, 1, InvalidArgument)
	assert.EqualValues(t, 2, InvalidEncoding)
	assert.EqualValues(t, 3, Timeout)
	assert.EqualValues(t, 4, RuntimeError)
	assert.EqualValues(t, 5, UnsupportedOperation)
	assert.EqualValues(t, 6, TooLarge)
	assert.EqualValues(t, 7, NotFound)
	assert.Equal(t, "not_found", NotFound.String())
	assert.Equal(t, "code(42)", Code(42).String())
}

func TestCodeOf(t *testing.T) {
	sent := NewSentinel(Timeout, "queue wait expired")
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, Success},
		{"new", New(NotFound, "load", "missing %s", "x"), NotFound},
		{"wrapped", fmt.Errorf("outer: %w", Wrap(TooLarge, "get_output", errors.New("small"))), TooLarge},
		{"sentinel", fmt.Errorf("ctx 3: %w", sent), Timeout},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"plain", errors.New("boom"), RuntimeError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, CodeOf(c.err))
		})
	}
}

func TestErrorsIsByCode(t *testing.T) {
	err := New(InvalidArgument, "init", "bad json")
	assert.True(t, errors.Is(err, E(InvalidArgument)))
	assert.False(t, errors.Is(err, E(NotFound)))
	assert.True(t, IsInvalidArgument(err))
	assert.Equal(t, "init: invalid_argument: bad json", err.Error())
	assert.Nil(t, Wrap(RuntimeError, "x", nil))
}
