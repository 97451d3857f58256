package audit

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"cloudserver/internal/clock"
	"cloudserver/internal/config"
	"cloudserver/pkg/types"
)

const megabyte = 1 << 20

var datePatternTokens = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

// FileSink appends entries as JSON lines to a rotating file. The file rolls
// over when it reaches the size limit and whenever the date pattern renders
// differently than for the previous write.
type FileSink struct {
	clock  clock.Clock
	layout string

	mu     sync.Mutex
	writer *lumberjack.Logger
	period string
}

// NewFileSink opens the audit file described by cfg.
func NewFileSink(cfg config.AuditLogConfig, clk clock.Clock) (*FileSink, error) {
	if clk == nil {
		clk = clock.Real()
	}
	retention, err := config.ParseMaxFiles(cfg.MaxFiles.String())
	if err != nil {
		return nil, err
	}
	maxSize, err := config.ParseMaxSize(cfg.MaxSize.String())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dirname, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory %s: %w", cfg.Dirname, err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dirname, cfg.Filename),
		MaxSize:    rotateSizeMB(maxSize),
		MaxAge:     int(retention.MaxAge / (24 * time.Hour)),
		MaxBackups: retention.MaxBackups,
		LocalTime:  true,
	}
	return &FileSink{
		clock:  clk,
		layout: datePatternTokens.Replace(cfg.DatePattern),
		writer: writer,
	}, nil
}

// rotateSizeMB converts a byte limit to lumberjack megabytes. lumberjack
// treats 0 as 100 MB, so an unlimited size becomes the largest value.
func rotateSizeMB(maxSize int64) int {
	if maxSize <= 0 {
		return math.MaxInt32
	}
	return int((maxSize + megabyte - 1) / megabyte)
}

// Path returns the active file path.
func (s *FileSink) Path() string {
	return s.writer.Filename
}

// Write appends entry as one JSON line.
func (s *FileSink) Write(entry *types.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.layout != "" {
		period := s.clock.Now().Format(s.layout)
		if s.period != "" && period != s.period {
			if err := s.writer.Rotate(); err != nil {
				return fmt.Errorf("failed to rotate audit log: %w", err)
			}
		}
		s.period = period
	}

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// Close closes the active file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}
