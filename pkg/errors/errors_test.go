package errors

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	assert.Equal(t, New("bad record"), New("bad record"))
	assert.EqualError(t, New("bad id %d", 3), "bad id 3")
}

func TestWithContext(t *testing.T) {
	assert.Nil(t, WithContext(nil, "read"))

	err := WithContext(WithContext(io.ErrUnexpectedEOF, "read header"), "serve")
	assert.EqualError(t, err, "serve: read header: unexpected EOF")
	assert.Equal(t, io.ErrUnexpectedEOF, RootCause(err))
	assert.True(t, Is(err, io.ErrUnexpectedEOF))
}

func TestContractViolation(t *testing.T) {
	err := WithContext(ContractViolation{Reason: "remove non-empty directory"}, "append")
	assert.True(t, IsContractViolation(err))
	assert.False(t, IsContractViolation(FileNotFound{Path: "/missing"}))
	assert.EqualError(t, err, "append: contract violation: remove non-empty directory")
}

func TestFriendlyError(t *testing.T) {
	err := WithContext(NewFriendlyError("Fix %q.", "rules"), "parse")

	var friendly FriendlyError
	assert.True(t, As(err, &friendly))
	assert.Equal(t, `Fix "rules".`, friendly.FriendlyMessage())
}
