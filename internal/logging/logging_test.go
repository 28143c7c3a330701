package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew_WritesToStderrAndDailyFile(t *testing.T) {
	dir := t.TempDir()
	var stderr bytes.Buffer
	logger, closer := New(Options{
		Level:       "info",
		Format:      "text",
		Stderr:      &stderr,
		FileEnabled: true,
		Dir:         dir,
		FilePrefix:  "fb_ai",
	})

	logger.Debug("hidden")
	logger.Info("hello", "sender", "u1")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(stderr.String(), "hello") || strings.Contains(stderr.String(), "hidden") {
		t.Errorf("stderr = %q", stderr.String())
	}

	name := filepath.Join(dir, "fb_ai_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("daily file: %v", err)
	}
	if !strings.Contains(string(data), "sender=u1") {
		t.Errorf("file = %q", data)
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Options{Format: "json", Stderr: &buf})
	logger.Info("x")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("output = %q, want JSON", buf.String())
	}
}

func TestDailyFile_RotatesByDay(t *testing.T) {
	dir := t.TempDir()
	d := NewDailyFile(dir, "relay")
	day1 := time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)

	d.now = func() time.Time { return day1 }
	d.Write([]byte("one\n"))
	d.now = func() time.Time { return day2 }
	d.Write([]byte("two\n"))
	d.Close()

	for path, want := range map[string]string{
		filepath.Join(dir, "relay_2025-03-01.log"): "one\n",
		filepath.Join(dir, "relay_2025-03-02.log"): "two\n",
	} {
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
}

func TestDailyFile_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	now := func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	for _, line := range []string{"a\n", "b\n"} {
		d := NewDailyFile(dir, "relay")
		d.now = now
		d.Write([]byte(line))
		d.Close()
	}
	got, _ := os.ReadFile(filepath.Join(dir, "relay_2025-03-01.log"))
	if string(got) != "a\nb\n" {
		t.Fatalf("file = %q", got)
	}
}

func TestDailyFile_UnwritableDirIsIgnored(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	d := NewDailyFile(filepath.Join(blocker, "sub"), "relay")
	n, err := d.Write([]byte("lost\n"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v; want best-effort success", n, err)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warn": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
