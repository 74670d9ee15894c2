// Package protocol holds the constants and structured messages shared between
// the process controller and the processes it launches.
package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// AuthKeyLength is the number of random bytes in an authentication key.
	AuthKeyLength = 16
	// AuthKeyEncodedLength is the length of an authentication key once base64 encoded.
	AuthKeyEncodedLength = 24
)

// ProcessRestartedArg is appended to the launch command when a process is
// respawned rather than started for the first time.
const ProcessRestartedArg = "--process-restarted"

// Exit codes with a reserved meaning for the privileged process.
const (
	ExitNormal = 0
	// ExitRestartFromLauncher asks the script that launched the controller to
	// relaunch everything.
	ExitRestartFromLauncher = 10
	// ExitControllerAbort is used by the privileged process when it aborts,
	// typically because of a configuration problem.
	ExitControllerAbort = 99
)

var (
	ErrInvalidAuthKey = errors.New("invalid auth key length")
	ErrInvalidString  = errors.New("string contains NUL byte")
	ErrShortMessage   = errors.New("message too short")
)

// NewAuthKey returns a fresh random key of AuthKeyEncodedLength characters.
func NewAuthKey() (string, error) {
	b := make([]byte, AuthKeyLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate auth key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// ValidateAuthKey checks the encoded length of key.
func ValidateAuthKey(key string) error {
	if len(key) != AuthKeyEncodedLength {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidAuthKey, len(key), AuthKeyEncodedLength)
	}
	return nil
}

// Reconnect tells a running process where to reach the management endpoint.
//
// Layout: scheme as UTF-8 + NUL, host as UTF-8 + NUL, port as 4-byte
// big-endian, management endpoint flag as one byte, then the raw auth key
// bytes up to the end of the message.
type Reconnect struct {
	Scheme             string
	Host               string
	Port               int32
	ManagementEndpoint bool
	AuthKey            string
}

// MarshalBinary encodes the message payload (unframed).
func (r Reconnect) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUTFZ(&buf, r.Scheme); err != nil {
		return nil, fmt.Errorf("scheme: %w", err)
	}
	if err := writeUTFZ(&buf, r.Host); err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	var port [4]byte
	binary.BigEndian.PutUint32(port[:], uint32(r.Port))
	buf.Write(port[:])
	if r.ManagementEndpoint {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.WriteString(r.AuthKey)
	return buf.Bytes(), nil
}

// ParseReconnect decodes a payload produced by MarshalBinary.
func ParseReconnect(b []byte) (Reconnect, error) {
	var r Reconnect
	var err error
	if r.Scheme, b, err = readUTFZ(b); err != nil {
		return Reconnect{}, fmt.Errorf("scheme: %w", err)
	}
	if r.Host, b, err = readUTFZ(b); err != nil {
		return Reconnect{}, fmt.Errorf("host: %w", err)
	}
	if len(b) < 5 {
		return Reconnect{}, fmt.Errorf("port/flag: %w", ErrShortMessage)
	}
	r.Port = int32(binary.BigEndian.Uint32(b[:4]))
	r.ManagementEndpoint = b[4] != 0
	r.AuthKey = string(b[5:])
	return r, nil
}

func writeUTFZ(buf *bytes.Buffer, s string) error {
	if bytes.IndexByte([]byte(s), 0) >= 0 {
		return ErrInvalidString
	}
	buf.WriteString(s)
	buf.WriteByte(0)
	return nil
}

func readUTFZ(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, ErrShortMessage
	}
	return string(b[:i]), b[i+1:], nil
}
