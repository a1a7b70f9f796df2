package logging

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConsoleOptions configures a ConsoleHandler.
type ConsoleOptions struct {
	Level      slog.Leveler
	Timestamps bool
}

// ConsoleHandler writes one line per record:
//
//	[time] xtables: level: [component] [family/table:] message key=value ...
//
// The component, table and family attributes are lifted out of the key=value
// list into the line header.
type ConsoleHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	opts  ConsoleOptions
	attrs []slog.Attr
	group string
}

// NewConsoleHandler creates a new ConsoleHandler.
func NewConsoleHandler(out io.Writer, opts ConsoleOptions) *ConsoleHandler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	return &ConsoleHandler{mu: &sync.Mutex{}, out: out, opts: opts}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

// header attributes, in the order they are printed.
var headerKeys = []string{"component", "family", "table"}

func isHeader(key string) bool {
	for _, k := range headerKeys {
		if k == key {
			return true
		}
	}
	return false
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	// Handler attrs are stored with their group prefix already applied.
	header := make(map[string]string, len(headerKeys))
	var rest []slog.Attr
	for _, a := range h.attrs {
		if isHeader(a.Key) {
			header[a.Key] = a.Value.String()
			continue
		}
		rest = append(rest, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if h.group == "" && isHeader(a.Key) {
			header[a.Key] = a.Value.String()
			return true
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		rest = append(rest, a)
		return true
	})

	var sb strings.Builder
	if h.opts.Timestamps {
		t := r.Time
		if t.IsZero() {
			t = time.Now()
		}
		sb.WriteString(t.Format(time.RFC3339))
		sb.WriteByte(' ')
	}
	sb.WriteString("xtables: ")
	sb.WriteString(strings.ToLower(r.Level.String()))
	sb.WriteString(": ")
	if c := header["component"]; c != "" {
		sb.WriteString("[" + c + "] ")
	}
	if t := header["table"]; t != "" {
		if f := header["family"]; f != "" {
			sb.WriteString(f + "/")
		}
		sb.WriteString(t + ": ")
	}
	sb.WriteString(r.Message)

	for _, a := range rest {
		appendAttr(&sb, "", a)
	}
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, sb.String())
	return err
}

func appendAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			appendAttr(sb, key, ga)
		}
		return
	}

	sb.WriteByte(' ')
	sb.WriteString(key)
	sb.WriteByte('=')
	val := a.Value.String()
	if val == "" || strings.ContainsAny(val, " \t\n\"=") {
		val = strconv.Quote(val)
	}
	sb.WriteString(val)
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if h.group != "" {
		grouped := make([]slog.Attr, len(attrs))
		for i, a := range attrs {
			grouped[i] = slog.Attr{Key: h.group + "." + a.Key, Value: a.Value}
		}
		attrs = grouped
	}
	return &ConsoleHandler{
		mu:    h.mu,
		out:   h.out,
		opts:  h.opts,
		attrs: append(slices.Clip(h.attrs), attrs...),
		group: h.group,
	}
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	g := name
	if h.group != "" {
		g = h.group + "." + name
	}
	return &ConsoleHandler{mu: h.mu, out: h.out, opts: h.opts, attrs: h.attrs, group: g}
}
