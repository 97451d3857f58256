// Package filter decides whether user-chosen text (usernames, variable names
// and optionally values) is disallowed. Filters come from two kinds of files:
//
//   - *.filter: one case-insensitive regular expression per line; blank lines
//     and lines starting with # are skipped.
//   - *.jsfilter: JavaScript predicate bodies inside <code>...</code> tags or
//     ``` fences, each run as function (text) { ... }.
//
// Text is normalized to its ASCII letters and digits before any filter sees it.
package filter

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/dop251/goja"

	"cloudserver/pkg/interfaces"
)

const (
	listExt = ".filter"
	codeExt = ".jsfilter"

	// DefaultTimeout bounds a single filter evaluation.
	DefaultTimeout = 100 * time.Millisecond
)

var (
	codeBlockPattern = regexp.MustCompile("(?is)<code>(.*?)</code>|```[a-z]*\\n?(.*?)```")
	nonAlphanumeric  = regexp.MustCompile(`[^A-Za-z0-9]`)
)

var _ interfaces.Classifier = (*Engine)(nil)

type predicate func(text string) bool

// Engine holds the loaded filters. Classify is safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	filters []predicate
	lists   []string

	timeout time.Duration
	logger  *slog.Logger
}

// New returns an empty engine, which allows everything.
func New(timeout time.Duration, logger *slog.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{timeout: timeout, logger: logger}
}

// Load returns an engine with every filter list found in dir. A missing or
// unreadable directory yields an empty engine.
func Load(dir string, logger *slog.Logger) *Engine {
	e := New(DefaultTimeout, logger)
	if err := e.LoadDir(dir); err != nil {
		e.logger.Warn("filters not loaded, allowing everything", "dir", dir, "error", err)
	}
	return e
}

// LoadDir adds every *.filter and *.jsfilter file in dir, in lexical order.
func (e *Engine) LoadDir(dir string) error {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read filter directory: %w", err)
	}

	names := make([]string, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, listExt) || strings.HasSuffix(name, codeExt) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		contents, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			e.logger.Warn("cannot read filter list", "file", name, "error", err)
			continue
		}
		e.AddList(name, string(contents), strings.HasSuffix(name, codeExt))
	}

	e.logger.Info("loaded filters", "lists", e.CountFilterLists(), "filters", e.CountFilters())
	return nil
}

// AddList compiles contents as one filter list. Entries that fail to
// compile are logged and skipped; the list itself still counts.
func (e *Engine) AddList(name, contents string, isCode bool) {
	var compiled []predicate
	if isCode {
		compiled = e.compileCode(name, contents)
	} else {
		compiled = e.compilePatterns(name, contents)
	}

	e.mu.Lock()
	e.lists = append(e.lists, name)
	e.filters = append(e.filters, compiled...)
	e.mu.Unlock()
}

func (e *Engine) compilePatterns(name, contents string) []predicate {
	var out []predicate
	for i, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		re, err := regexp2.Compile(line, regexp2.IgnoreCase|regexp2.ECMAScript)
		if err != nil {
			e.logger.Warn("skipping invalid filter pattern", "file", name, "line", i+1, "error", err)
			continue
		}
		re.MatchTimeout = e.timeout
		out = append(out, func(text string) bool {
			matched, err := re.MatchString(text)
			return err == nil && matched
		})
	}
	return out
}

func (e *Engine) compileCode(name, contents string) []predicate {
	var out []predicate
	for _, match := range codeBlockPattern.FindAllStringSubmatch(contents, -1) {
		body := match[1]
		if body == "" {
			body = match[2]
		}
		if strings.TrimSpace(body) == "" {
			continue
		}
		fn, err := newScript(body, e.timeout)
		if err != nil {
			e.logger.Warn("skipping invalid code filter", "file", name, "error", err)
			continue
		}
		out = append(out, fn.call)
	}
	return out
}

// Classify reports whether text is disallowed by any filter.
func (e *Engine) Classify(text string) bool {
	cleaned := Normalize(text)

	e.mu.RLock()
	filters := e.filters
	e.mu.RUnlock()

	for _, f := range filters {
		if f(cleaned) {
			return true
		}
	}
	return false
}

// CountFilters returns the number of compiled filters.
func (e *Engine) CountFilters() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.filters)
}

// CountFilterLists returns the number of loaded lists.
func (e *Engine) CountFilterLists() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.lists)
}

// Normalize drops every character outside [A-Za-z0-9].
func Normalize(text string) string {
	return nonAlphanumeric.ReplaceAllString(text, "")
}

// script is one compiled code filter. A goja runtime is single threaded, so
// calls are serialized.
type script struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	fn      goja.Callable
	timeout time.Duration
}

func newScript(body string, timeout time.Duration) (*script, error) {
	vm := goja.New()
	value, err := vm.RunString("(function (text) {\n" + body + "\n})")
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("code block did not compile to a function")
	}
	return &script{vm: vm, fn: fn, timeout: timeout}, nil
}

// call runs the predicate. A throw or a timeout counts as no match.
func (s *script) call(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(chan struct{})
	watchdog := make(chan struct{})
	go func() {
		defer close(watchdog)
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.vm.Interrupt("filter timed out")
		case <-done:
		}
	}()

	result, err := s.fn(goja.Undefined(), s.vm.ToValue(text))
	close(done)
	<-watchdog
	s.vm.ClearInterrupt()

	if err != nil {
		return false
	}
	return result.ToBoolean()
}
