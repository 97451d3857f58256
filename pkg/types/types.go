package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Protocol methods. Clients and server exchange newline-delimited JSON
// objects whose "method" field is one of these.
const (
	MethodHandshake = "handshake"
	MethodSet       = "set"
	MethodCreate    = "create"
	MethodDelete    = "delete"
	MethodRename    = "rename"
)

// Close codes sent to clients when the server ends a connection.
const (
	CloseGeneric            = 4000
	CloseIncompatibility    = 4001
	CloseUsername           = 4002
	CloseOverloaded         = 4003
	CloseProjectUnavailable = 4004
	CloseTooManyConnections = 4005
)

// Value is a variable value on the wire. Clients may send strings, numbers
// or booleans; the broker keeps the textual form and always sends strings.
type Value string

// UnmarshalJSON accepts a JSON string, number or boolean.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ErrInvalidValue
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Value(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Value(strconv.FormatBool(b))
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return ErrInvalidValue
		}
		*v = Value(n.String())
	}
	return nil
}

// Message is one protocol message.
type Message struct {
	Method    string `json:"method"`
	Name      string `json:"name,omitempty"`
	NewName   string `json:"new_name,omitempty"`
	Value     *Value `json:"value,omitempty"`
	User      string `json:"user,omitempty"`
	ProjectID Value  `json:"project_id,omitempty"`
}

// ValueString returns the message value, or "" when none was sent.
func (m *Message) ValueString() string {
	if m.Value == nil {
		return ""
	}
	return string(*m.Value)
}

// NewSetMessage builds the delta sent to clients when a variable is created
// or updated.
func NewSetMessage(name, value string) *Message {
	v := Value(value)
	return &Message{Method: MethodSet, Name: name, Value: &v}
}

// NewDeleteMessage builds the delta sent when a variable is removed.
func NewDeleteMessage(name string) *Message {
	return &Message{Method: MethodDelete, Name: name}
}

// NewRenameMessage builds the delta sent when a variable is renamed.
func NewRenameMessage(name, newName string) *Message {
	return &Message{Method: MethodRename, Name: name, NewName: newName}
}

// Action is the kind of variable mutation recorded by the audit log.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// VariableChange describes one variable mutation as reported by a room to
// the audit pipeline. OldValue is meaningless for ActionCreate.
type VariableChange struct {
	ClientID     string
	IP           string
	Username     string
	UserAgent    string
	RoomID       string
	VariableName string
	OldValue     string
	NewValue     string
	Action       Action
	ClientCount  int
	Time         time.Time
}

// AuditEntry is the persisted projection of a VariableChange. Every field is
// optional: fields disabled by configuration are left nil and omitted from
// the encoded JSON.
type AuditEntry struct {
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	IP           *string    `json:"ip,omitempty"`
	Username     *string    `json:"username,omitempty"`
	RoomID       *string    `json:"roomId,omitempty"`
	VariableName *string    `json:"variableName,omitempty"`
	OldValue     *string    `json:"oldValue,omitempty"`
	NewValue     *string    `json:"newValue,omitempty"`
	UserAgent    *string    `json:"userAgent,omitempty"`
	Action       *Action    `json:"action,omitempty"`
	ClientCount  *int       `json:"clientCount,omitempty"`
	ValueType    *string    `json:"valueType,omitempty"`
	Suspicious   bool       `json:"suspicious,omitempty"`
	Alert        string     `json:"alert,omitempty"`
	Flagged      bool       `json:"flagged,omitempty"`
}
