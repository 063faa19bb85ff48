package netservice

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/backkem/netservice/pkg/responder"
)

func TestFromResponder(t *testing.T) {
	tests := []struct {
		code responder.ErrorCode
		want *Error
	}{
		{responder.ErrNameConflict, ErrCollision},
		{responder.ErrAlreadyReg, ErrCollision},
		{responder.ErrNoSuchName, ErrNotFound},
		{responder.ErrBadParam, ErrBadArgument},
		{responder.ErrBadFlags, ErrBadArgument},
		{responder.ErrBadReference, ErrBadArgument},
		{responder.ErrBadState, ErrActivityInProgress},
		{responder.ErrInvalid, ErrInvalid},
		{responder.ErrUnsupported, ErrInvalid},
		{responder.ErrTimeout, ErrTimeout},
		{responder.ErrNoMemory, ErrUnknown},
		{responder.ErrUnknown, ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			got := fromResponder(tt.code)
			assert.ErrorIs(t, got, tt.want)
			assert.Equal(t, DomainNetServices, got.Domain)

			var code responder.ErrorCode
			assert.True(t, errors.As(got, &code), "underlying code lost")
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestFromSubmit(t *testing.T) {
	assert.ErrorIs(t, fromSubmit(fmt.Errorf("register: %w", responder.ErrBadParam)), ErrBadArgument)
	assert.ErrorIs(t, fromSubmit(errors.New("boom")), ErrUnknown)
}

func TestFromBind(t *testing.T) {
	err := fromBind(fmt.Errorf("listener: bind ipv4 port 80: %w", syscall.EACCES))
	assert.Equal(t, DomainPOSIX, err.Domain)
	assert.Equal(t, ErrorCode(syscall.EACCES), err.Code)
	assert.ErrorIs(t, err, syscall.EACCES)
	assert.NotErrorIs(t, err, ErrInvalid)

	assert.ErrorIs(t, fromBind(errors.New("no errno")), ErrInvalid)
}

func TestErrorIs(t *testing.T) {
	err := newError(CodeTimeout, responder.ErrTimeout)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrCancelled)

	posix := &Error{Domain: DomainPOSIX, Code: CodeTimeout}
	assert.NotErrorIs(t, posix, ErrTimeout, "domains must match")
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "netservice: cancelled", newError(CodeCancelled, nil).Error())
	assert.Equal(t, "netservice: timeout: responder: timeout", newError(CodeTimeout, responder.ErrTimeout).Error())
	assert.Equal(t, "code(-1)", ErrorCode(-1).String())
}
