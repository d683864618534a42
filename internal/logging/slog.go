package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Slog returns a slog.Logger that writes through l
func (l Logger) Slog() *slog.Logger {
	return slog.New(&handler{log: l})
}

// handler renders attrs added through WithAttrs when they are added, so
// they keep the groups that were open at that point.
type handler struct {
	log    Logger
	pre    string
	groups []string
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	switch {
	case level < slog.LevelInfo:
		return h.log.Debug
	case level < slog.LevelWarn:
		return h.log.Verbose || h.log.Debug
	default:
		return true
	}
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.pre)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.groups, a)
		return true
	})
	msg := b.String()

	switch {
	case r.Level < slog.LevelInfo:
		h.log.Debugf("%s", msg)
	case r.Level < slog.LevelWarn:
		h.log.Infof("%s", msg)
	case r.Level < slog.LevelError:
		h.log.Warnf("%s", msg)
	default:
		h.log.Errorf("%s", msg)
	}
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var b strings.Builder
	b.WriteString(h.pre)
	for _, a := range attrs {
		writeAttr(&b, h.groups, a)
	}
	c := *h
	c.pre = b.String()
	return &c
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.groups = append(append([]string(nil), h.groups...), name)
	return &c
}

func writeAttr(b *strings.Builder, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := groups
		if a.Key != "" {
			sub = append(append([]string(nil), groups...), a.Key)
		}
		for _, ga := range a.Value.Group() {
			writeAttr(b, sub, ga)
		}
		return
	}

	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value.Any())
}
