// Package logging provides a colorized, single-line slog.Handler used by
// every long-lived engine component, in place of slog's default text/JSON
// handlers.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Options configures a PrettyHandler.
type Options struct {
	Level      slog.Leveler
	UseColor   bool
	ShowSource bool
	TimeFormat string
	LevelWidth int
}

// DefaultOptions returns sensible defaults: info level, color on, short
// source locations.
func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		ShowSource: true,
		TimeFormat: time.RFC3339,
		LevelWidth: 7,
	}
}

// PrettyHandler is a slog.Handler that renders records as
// "time | LEVEL | source | message | {json attrs}".
type PrettyHandler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	groups []string

	colorTime    func(...any) string
	colorLevel   map[slog.Level]func(...any) string
	colorMessage func(...any) string
	colorSource  func(...any) string
	colorFields  func(...any) string
}

// New returns a *slog.Logger backed by a PrettyHandler writing to w.
func New(w io.Writer, opts Options) *slog.Logger {
	return slog.New(NewPrettyHandler(w, opts))
}

// NewPrettyHandler constructs a PrettyHandler writing to w.
func NewPrettyHandler(w io.Writer, opts Options) *PrettyHandler {
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.LevelWidth < 5 {
		opts.LevelWidth = 7
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}

	h := &PrettyHandler{opts: opts, writer: w, mu: &sync.Mutex{}}
	h.initColors()
	return h
}

func (h *PrettyHandler) initColors() {
	if !h.opts.UseColor {
		noColor := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime, h.colorMessage, h.colorSource, h.colorFields = noColor, noColor, noColor, noColor
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: noColor, slog.LevelInfo: noColor,
			slog.LevelWarn: noColor, slog.LevelError: noColor,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorSource = color.New(color.FgHiBlack).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed).SprintFunc(),
	}
}

// Enabled implements slog.Handler.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

// Handle implements slog.Handler.
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(" | ")
	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteString(" | ")

	if h.opts.ShowSource {
		if src := h.extractSource(r.PC); src != "" {
			buf.WriteString(h.colorSource(src))
			buf.WriteString(" | ")
		}
	}

	buf.WriteString(h.colorMessage(r.Message))

	attrs := h.collectAttrs(r)
	if len(attrs) > 0 {
		buf.WriteString(" | ")
		if err := h.formatAttrs(buf, attrs); err != nil {
			buf.WriteString(fmt.Sprintf("(attr format error: %v)", err))
		}
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

// WithAttrs implements slog.Handler.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	nh := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     &sync.Mutex{},
		groups: append([]string(nil), h.groups...),
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
	nh.initColors()
	return nh
}

// WithGroup implements slog.Handler.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	nh := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     &sync.Mutex{},
		groups: append(append([]string(nil), h.groups...), name),
		attrs:  append([]slog.Attr(nil), h.attrs...),
	}
	nh.initColors()
	return nh
}

func (h *PrettyHandler) formatLevel(level slog.Level) string {
	s := fmt.Sprintf("%-*s", h.opts.LevelWidth, strings.ToUpper(level.String()))
	if f, ok := h.colorLevel[level]; ok {
		return f(s)
	}
	return s
}

func (h *PrettyHandler) extractSource(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.Function == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

func (h *PrettyHandler) collectAttrs(r slog.Record) map[string]any {
	attrs := make(map[string]any)
	current := attrs
	for _, g := range h.groups {
		nested := make(map[string]any)
		current[g] = nested
		current = nested
	}

	for _, a := range h.attrs {
		addAttr(current, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(current, a)
		return true
	})

	pruneEmptyGroups(attrs)
	return attrs
}

func addAttr(m map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		g := make(map[string]any)
		for _, ga := range v.Group() {
			addAttr(g, ga)
		}
		if len(g) > 0 {
			m[a.Key] = g
		}
		return
	}

	switch v.Kind() {
	case slog.KindTime:
		m[a.Key] = v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		m[a.Key] = v.Duration().String()
	default:
		m[a.Key] = v.Any()
	}
}

func pruneEmptyGroups(m map[string]any) {
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			pruneEmptyGroups(nested)
			if len(nested) == 0 {
				delete(m, k)
			}
		}
	}
}

func (h *PrettyHandler) formatAttrs(buf *bytes.Buffer, attrs map[string]any) error {
	var jsonBuf bytes.Buffer
	enc := json.NewEncoder(&jsonBuf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(attrs); err != nil {
		return err
	}
	buf.WriteString(h.colorFields(string(bytes.TrimRight(jsonBuf.Bytes(), "\n"))))
	return nil
}
