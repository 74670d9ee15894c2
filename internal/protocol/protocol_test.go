package protocol

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuthKey(t *testing.T) {
	k1, err := NewAuthKey()
	require.NoError(t, err)
	k2, err := NewAuthKey()
	require.NoError(t, err)

	assert.Len(t, k1, AuthKeyEncodedLength)
	assert.NotEqual(t, k1, k2)
	raw, err := base64.StdEncoding.DecodeString(k1)
	require.NoError(t, err)
	assert.Len(t, raw, AuthKeyLength)
	assert.NoError(t, ValidateAuthKey(k1))
}

func TestValidateAuthKey(t *testing.T) {
	assert.ErrorIs(t, ValidateAuthKey(""), ErrInvalidAuthKey)
	assert.ErrorIs(t, ValidateAuthKey("short"), ErrInvalidAuthKey)
	assert.ErrorIs(t, ValidateAuthKey("0123456789012345678901234"), ErrInvalidAuthKey)
	assert.NoError(t, ValidateAuthKey("012345678901234567890123"))
}

func TestReconnectLayout(t *testing.T) {
	msg := Reconnect{Scheme: "remote", Host: "h", Port: 9999, ManagementEndpoint: true, AuthKey: "KEY"}
	b, err := msg.MarshalBinary()
	require.NoError(t, err)

	want := []byte("remote\x00h\x00")
	want = append(want, 0x00, 0x00, 0x27, 0x0f, 0x01)
	want = append(want, "KEY"...)
	assert.Equal(t, want, b)
}

func TestReconnectRoundTrip(t *testing.T) {
	cases := []Reconnect{
		{Scheme: "http-remoting", Host: "127.0.0.1", Port: 9990, ManagementEndpoint: true, AuthKey: "012345678901234567890123"},
		{Scheme: "remote", Host: "host.example.com", Port: 4447, AuthKey: ""},
		{Scheme: "", Host: "", Port: -1},
	}
	for _, c := range cases {
		b, err := c.MarshalBinary()
		require.NoError(t, err)
		got, err := ParseReconnect(b)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestReconnectRejectsNUL(t *testing.T) {
	_, err := Reconnect{Scheme: "a\x00b"}.MarshalBinary()
	assert.ErrorIs(t, err, ErrInvalidString)
}

func TestParseReconnectShort(t *testing.T) {
	_, err := ParseReconnect([]byte("remote"))
	assert.ErrorIs(t, err, ErrShortMessage)
	_, err = ParseReconnect([]byte("remote\x00host\x00\x00\x01"))
	assert.ErrorIs(t, err, ErrShortMessage)
}
