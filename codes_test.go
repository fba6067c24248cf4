package websocket

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpcodeClassification(t *testing.T) {
	tests := []struct {
		name    string
		op      Opcode
		control bool
		data    bool
	}{
		{"continuation", opContinuation, false, true},
		{"text", opText, false, true},
		{"binary", opBinary, false, true},
		{"close", opClose, true, false},
		{"ping", opPing, true, false},
		{"pong", opPong, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.control, tt.op.isControl())
			assert.Equal(t, tt.data, tt.op.isData())
			assert.False(t, tt.op.isReserved())
		})
	}

	for _, op := range []Opcode{0x3, 0x4, 0x5, 0x6, 0x7, 0xB, 0xC, 0xD, 0xE, 0xF} {
		assert.True(t, op.isReserved(), "opcode 0x%X", byte(op))
	}
}

func TestValidReceivedCloseCode(t *testing.T) {
	tests := []struct {
		code  int
		valid bool
	}{
		{999, false},
		{1000, true},
		{1001, true},
		{1002, true},
		{1003, true},
		{1004, false},
		{1005, false},
		{1006, false},
		{1007, true},
		{1008, true},
		{1009, true},
		{1010, true},
		{1011, true},
		{1012, true},
		{1013, true},
		{1014, false},
		{1015, false},
		{2999, false},
		{3000, true},
		{3999, true},
		{4000, true},
		{4999, true},
		{5000, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.valid, isValidReceivedCloseCode(tt.code), "code %d", tt.code)
	}
}

func TestFormatCloseMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		text     string
		expected []byte
	}{
		{
			name:     "Normal closure with text",
			code:     CloseNormalClosure,
			text:     "goodbye",
			expected: []byte{0x03, 0xe8, 'g', 'o', 'o', 'd', 'b', 'y', 'e'},
		},
		{
			name:     "Normal closure without text",
			code:     CloseNormalClosure,
			text:     "",
			expected: []byte{0x03, 0xe8},
		},
		{
			name:     "No status received returns empty",
			code:     CloseNoStatusReceived,
			text:     "ignored",
			expected: []byte{},
		},
		{
			name:     "Policy violation",
			code:     ClosePolicyViolation,
			text:     "bye",
			expected: []byte{0x03, 0xf0, 'b', 'y', 'e'},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatCloseMessage(tt.code, tt.text))
		})
	}
}

func TestCloseError(t *testing.T) {
	err := &CloseError{Code: CloseNormalClosure, Text: "goodbye"}
	assert.Contains(t, err.Error(), "websocket: close")
	assert.Contains(t, err.Error(), "1000")
	assert.Contains(t, err.Error(), "goodbye")

	unknown := &CloseError{Code: 4000, Text: "custom"}
	assert.Contains(t, unknown.Error(), "4000")
}

func TestIsCloseError(t *testing.T) {
	closeErr := &CloseError{Code: CloseNormalClosure, Text: "bye"}
	assert.True(t, IsCloseError(closeErr, CloseNormalClosure))
	assert.False(t, IsCloseError(closeErr, CloseGoingAway))
	assert.False(t, IsCloseError(errors.New("other"), CloseNormalClosure))

	assert.False(t, IsUnexpectedCloseError(closeErr, CloseNormalClosure, CloseGoingAway))
	assert.True(t, IsUnexpectedCloseError(closeErr, CloseGoingAway))
	assert.False(t, IsUnexpectedCloseError(errors.New("other"), CloseGoingAway))
}

func TestClosedErrorMessage(t *testing.T) {
	err := &ClosedError{Code: CloseAbnormalClosure, Reason: "Writing to the client failed"}
	assert.Contains(t, err.Error(), "1006")
	assert.Contains(t, err.Error(), "Writing to the client failed")
}
