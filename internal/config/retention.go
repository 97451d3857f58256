package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Retention is the parsed form of auditLog.maxFiles.
type Retention struct {
	MaxAge     time.Duration
	MaxBackups int
}

// ParseMaxFiles parses a retention setting: "7d" keeps seven days of rotated
// files, a plain number keeps that many files, "" keeps everything.
func ParseMaxFiles(s string) (Retention, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Retention{}, nil
	}
	if days, ok := strings.CutSuffix(strings.ToLower(s), "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return Retention{}, fmt.Errorf("invalid auditLog.maxFiles %q", s)
		}
		return Retention{MaxAge: time.Duration(n) * 24 * time.Hour}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return Retention{}, fmt.Errorf("invalid auditLog.maxFiles %q", s)
	}
	return Retention{MaxBackups: n}, nil
}

// ParseMaxSize parses a byte size such as "100m" or "20 MB". "" means no
// size limit.
func ParseMaxSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid auditLog.maxSize %q: %w", s, err)
	}
	return int64(n), nil
}
