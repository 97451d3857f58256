package types

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame_MultipleMessages(t *testing.T) {
	frame := []byte(`{"method":"handshake","user":"alice","project_id":"123"}
{"method":"set","name":"☁ score","value":10}

{"method":"set","name":"☁ flag","value":true}`)

	messages, err := ParseFrame(frame)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	assert.Equal(t, MethodHandshake, messages[0].Method)
	assert.Equal(t, "alice", messages[0].User)
	assert.Equal(t, Value("123"), messages[0].ProjectID)

	assert.Equal(t, "☁ score", messages[1].Name)
	assert.Equal(t, "10", messages[1].ValueString())
	assert.Equal(t, "true", messages[2].ValueString())
}

func TestParseFrame_NumericProjectID(t *testing.T) {
	messages, err := ParseFrame([]byte(`{"method":"handshake","user":"bob","project_id":104}`))
	require.NoError(t, err)
	assert.Equal(t, Value("104"), messages[0].ProjectID)
}

func TestParseFrame_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"missing method", `{"name":"☁ x"}`},
		{"object value", `{"method":"set","name":"☁ x","value":{"a":1}}`},
		{"second line broken", "{\"method\":\"set\"}\n{"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFrame([]byte(tc.frame))
			assert.Error(t, err)
		})
	}
}

func TestEncodeFrame(t *testing.T) {
	frame, err := EncodeFrame([]*Message{
		NewSetMessage("☁ a", "1"),
		NewDeleteMessage("☁ b"),
		NewRenameMessage("☁ c", "☁ d"),
	})
	require.NoError(t, err)

	lines := strings.Split(string(frame), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"method":"set","name":"☁ a","value":"1"}`, lines[0])
	assert.JSONEq(t, `{"method":"delete","name":"☁ b"}`, lines[1])
	assert.JSONEq(t, `{"method":"rename","name":"☁ c","new_name":"☁ d"}`, lines[2])
}

func TestSetMessage_KeepsEmptyValue(t *testing.T) {
	data, err := json.Marshal(NewSetMessage("☁ a", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"set","name":"☁ a","value":""}`, string(data))
}

func TestIsValidUsername(t *testing.T) {
	tests := []struct {
		username string
		want     bool
	}{
		{"alice", true},
		{"user_123-x", true},
		{"", false},
		{strings.Repeat("a", 21), false},
		{"has space", false},
		{"émile", false},
	}
	for _, tc := range tests {
		t.Run(tc.username, func(t *testing.T) {
			assert.Equal(t, tc.want, IsValidUsername(tc.username))
		})
	}
}

func TestIsGeneratedUsername(t *testing.T) {
	assert.True(t, IsGeneratedUsername("player123456"))
	assert.True(t, IsGeneratedUsername("Player12"))
	assert.False(t, IsGeneratedUsername("player1"))
	assert.False(t, IsGeneratedUsername("player12345678"))
	assert.False(t, IsGeneratedUsername("someone"))
}

func TestIsValidVariableName(t *testing.T) {
	assert.True(t, IsValidVariableName("☁ score"))
	assert.False(t, IsValidVariableName("score"))
	assert.False(t, IsValidVariableName(CloudPrefix))
	assert.False(t, IsValidVariableName(CloudPrefix+strings.Repeat("x", MaxVariableNameLength)))
}

func TestIsValidRoomIDAndValue(t *testing.T) {
	assert.True(t, IsValidRoomID("104"))
	assert.False(t, IsValidRoomID(""))
	assert.False(t, IsValidRoomID(strings.Repeat("1", MaxRoomIDLength+1)))

	assert.True(t, IsValidValue(strings.Repeat("9", MaxValueLength)))
	assert.False(t, IsValidValue(strings.Repeat("9", MaxValueLength+1)))
}

func TestInferValueType(t *testing.T) {
	tests := []struct{ value, want string }{
		{"10", "number"},
		{"0", "number"},
		{"-3.5e2", "number"},
		{"1E+3", "number"},
		{"true", "boolean"},
		{"false", "boolean"},
		{"hello", "string"},
		{"", "string"},
		{"NaN", "string"},
		{"Inf", "string"},
		{"-infinity", "string"},
		{"0x1p3", "string"},
		{"1_000", "string"},
		{"01", "string"},
		{".5", "string"},
		{"+1", "string"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, InferValueType(tc.value), tc.value)
	}
}
