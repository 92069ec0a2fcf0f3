package errs

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_MatchesClassAndCause(t *testing.T) {
	err := Wrap(ErrStorage, "append record", io.ErrUnexpectedEOF)

	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrConfig)
	assert.Equal(t, "append record: storage error: unexpected EOF", err.Error())
}

func TestWrap_NilCause(t *testing.T) {
	err := Wrap(ErrTimeout, "attempt 2", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "attempt 2: timeout", err.Error())
}

func TestClassOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"classified", Errorf(ErrUnknownHandler, "resolve", "%q", "nope"), ErrUnknownHandler},
		{"wrapped sentinel", errors.Join(errors.New("x"), ErrConfig), ErrConfig},
		{"plain", errors.New("boom"), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassOf(tc.err))
		})
	}
}
