// Package logging builds the process logger: stderr plus an optional
// append-only daily log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Level  string // debug | info | warn | error
	Format string // text | json
	Stderr io.Writer

	// FileEnabled adds <Dir>/<FilePrefix>_YYYY-MM-DD.log as a second sink.
	FileEnabled bool
	Dir         string
	FilePrefix  string
}

// New returns a logger and a closer for its file sink. The closer is safe to
// call when no file sink is configured.
func New(opts Options) (*slog.Logger, io.Closer) {
	var w io.Writer = opts.Stderr
	if w == nil {
		w = os.Stderr
	}

	var closer io.Closer = nopCloser{}
	if opts.FileEnabled {
		daily := NewDailyFile(opts.Dir, opts.FilePrefix)
		w = io.MultiWriter(w, daily)
		closer = daily
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var h slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		h = slog.NewJSONHandler(w, handlerOpts)
	} else {
		h = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(h), closer
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// DailyFile appends to one file per calendar day. Writes never fail: a file
// that cannot be opened or written is skipped so logging stays best-effort.
type DailyFile struct {
	dir    string
	prefix string
	now    func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

func NewDailyFile(dir, prefix string) *DailyFile {
	if prefix == "" {
		prefix = "pagerelay"
	}
	return &DailyFile{dir: dir, prefix: prefix, now: time.Now}
}

// Path returns the file name used for the given day.
func (d *DailyFile) Path(t time.Time) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s_%s.log", d.prefix, t.Format("2006-01-02")))
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	day := now.Format("2006-01-02")
	if d.file == nil || d.day != day {
		d.rotate(now, day)
	}
	if d.file != nil {
		if _, err := d.file.Write(p); err != nil {
			d.file.Close()
			d.file = nil
		}
	}
	return len(p), nil
}

func (d *DailyFile) rotate(now time.Time, day string) {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	d.day = day
	if d.dir != "" {
		if err := os.MkdirAll(d.dir, 0o755); err != nil {
			return
		}
	}
	f, err := os.OpenFile(d.Path(now), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	d.file = f
}

func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
