package types

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// CloudPrefix starts the name of every cloud variable.
const CloudPrefix = "☁ "

// Protocol size limits.
const (
	MaxRoomIDLength       = 128
	MaxVariableNameLength = 1024
	MaxValueLength        = 100000
)

// Regex compiled once at package initialization.
var (
	usernameRegex          = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,20}$`)
	generatedUsernameRegex = regexp.MustCompile(`(?i)^player\d{2,7}$`)
	jsonNumberRegex        = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)
)

// IsValidUsername checks the handshake username format.
func IsValidUsername(username string) bool {
	return usernameRegex.MatchString(username)
}

// IsGeneratedUsername reports whether the username looks like one the
// editor assigns automatically ("player" followed by digits).
func IsGeneratedUsername(username string) bool {
	return generatedUsernameRegex.MatchString(username)
}

// IsValidRoomID checks a project id used as room identifier.
func IsValidRoomID(id string) bool {
	return len(id) >= 1 && len(id) <= MaxRoomIDLength
}

// IsValidVariableName requires the cloud prefix and a bounded length.
func IsValidVariableName(name string) bool {
	if len(name) > MaxVariableNameLength {
		return false
	}
	return strings.HasPrefix(name, CloudPrefix) && len(name) > len(CloudPrefix)
}

// IsValidValue bounds the size of a variable value.
func IsValidValue(value string) bool {
	return len(value) <= MaxValueLength
}

// InferValueType classifies a value for audit records. Values are opaque
// strings to the broker; this is descriptive only.
func InferValueType(value string) string {
	if value == "true" || value == "false" {
		return "boolean"
	}
	if jsonNumberRegex.MatchString(value) {
		return "number"
	}
	return "string"
}

// ParseFrame splits a text frame into messages. A frame may carry several
// newline-separated JSON objects; blank lines are ignored.
func ParseFrame(data []byte) ([]*Message, error) {
	var messages []*Message
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, ErrInvalidMessage
		}
		if msg.Method == "" {
			return nil, ErrInvalidMessage
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

// EncodeFrame joins messages into one newline-delimited frame.
func EncodeFrame(messages []*Message) ([]byte, error) {
	var buf bytes.Buffer
	for i, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}
