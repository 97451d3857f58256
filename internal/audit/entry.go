package audit

import (
	"cloudserver/internal/config"
	"cloudserver/pkg/types"
)

const (
	unknown = "unknown"

	// SuspiciousAlert annotates entries flagged by the rate limiter.
	SuspiciousAlert = "Suspicious activity detected - possible rate limit exceeded"
)

// buildEntry projects change onto the fields enabled in cfg. Disabled
// fields stay nil so they are omitted from the encoded entry.
func buildEntry(change *types.VariableChange, cfg config.MonitoringConfig) *types.AuditEntry {
	fields := cfg.Fields
	entry := &types.AuditEntry{}

	if fields.Timestamp {
		ts := change.Time.UTC()
		entry.Timestamp = &ts
	}
	if fields.IP {
		entry.IP = ptr(change.IP)
	}
	if fields.Username {
		entry.Username = ptr(orUnknown(change.Username))
	}
	if fields.RoomID && change.RoomID != "" {
		entry.RoomID = ptr(change.RoomID)
	}
	if fields.VariableName {
		entry.VariableName = ptr(change.VariableName)
	}
	if fields.OldValue && change.Action != types.ActionCreate {
		entry.OldValue = ptr(maskValue(cfg.ValueMasking, change.OldValue))
	}
	if change.Action != types.ActionDelete {
		if fields.NewValue {
			entry.NewValue = ptr(maskValue(cfg.ValueMasking, change.NewValue))
		}
		if fields.ValueType {
			entry.ValueType = ptr(types.InferValueType(change.NewValue))
		}
	}
	if fields.UserAgent {
		entry.UserAgent = ptr(orUnknown(change.UserAgent))
	}
	if fields.Action {
		entry.Action = ptr(change.Action)
	}
	if fields.ClientCount {
		entry.ClientCount = ptr(change.ClientCount)
	}
	return entry
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}

func ptr[T any](v T) *T { return &v }
