package audit

import (
	"regexp"
	"unicode/utf8"

	"cloudserver/internal/config"
)

const redacted = "[redacted]"

var (
	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	longDigitsRegex = regexp.MustCompile(`\d{9,}`)
)

// maskValue applies the configured masking. It is lossy: a masked value
// cannot be recovered.
func maskValue(cfg config.ValueMaskingConfig, value string) string {
	if !cfg.Enabled {
		return value
	}
	if cfg.MaskSensitivePatterns {
		value = emailPattern.ReplaceAllString(value, redacted)
		value = longDigitsRegex.ReplaceAllString(value, redacted)
	}
	if cfg.MaskLongValues && utf8.RuneCountInString(value) > cfg.MaxValueLength {
		value = string([]rune(value)[:cfg.MaxValueLength]) + "..."
	}
	return value
}
