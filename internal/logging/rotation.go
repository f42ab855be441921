package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxSize    = 100 * 1024 * 1024
	defaultMaxAge     = 7 * 24 * time.Hour
	defaultMaxBackups = 3
)

// rotatingWriter implements io.Writer with size-based file rotation.
type rotatingWriter struct {
	filename   string
	maxSize    int64
	maxAge     time.Duration
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

// newRotatingWriter creates a new rotating file writer.
func newRotatingWriter(filename string, cfg *RotationConfig) (io.Writer, error) {
	w := &rotatingWriter{
		filename:   filename,
		maxSize:    defaultMaxSize,
		maxAge:     defaultMaxAge,
		maxBackups: defaultMaxBackups,
	}

	if cfg != nil {
		if cfg.MaxSize != "" {
			size, err := parseSize(cfg.MaxSize)
			if err != nil {
				return nil, fmt.Errorf("invalid max_size: %w", err)
			}
			w.maxSize = size
		}
		if cfg.MaxAge != "" {
			age, err := parseAge(cfg.MaxAge)
			if err != nil {
				return nil, fmt.Errorf("invalid max_age: %w", err)
			}
			w.maxAge = age
		}
		if cfg.MaxBackups > 0 {
			w.maxBackups = cfg.MaxBackups
		}
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := w.open(); err != nil {
		return nil, err
	}

	go w.pruneBackups()

	return w, nil
}

// Write implements io.Writer, rotating when the size limit would be exceeded.
func (w *rotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}

	if w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *rotatingWriter) open() error {
	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	w.file = file
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	ext := filepath.Ext(w.filename)
	base := strings.TrimSuffix(w.filename, ext)
	backup := fmt.Sprintf("%s.%s%s", base, time.Now().Format("20060102-150405"), ext)

	if err := os.Rename(w.filename, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	if err := w.open(); err != nil {
		return err
	}

	go w.pruneBackups()

	return nil
}

// pruneBackups removes backups past maxAge and keeps at most maxBackups files.
func (w *rotatingWriter) pruneBackups() {
	ext := filepath.Ext(w.filename)
	prefix := strings.TrimSuffix(w.filename, ext)

	matches, err := filepath.Glob(prefix + ".*" + ext)
	if err != nil {
		return
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	var backups []backup

	now := time.Now()
	for _, match := range matches {
		if match == w.filename {
			continue
		}
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > w.maxAge {
			_ = os.Remove(match)
			continue
		}
		backups = append(backups, backup{path: match, modTime: info.ModTime()})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].modTime.Before(backups[j].modTime)
	})

	for len(backups) > w.maxBackups {
		_ = os.Remove(backups[0].path)
		backups = backups[1:]
	}
}

// parseSize parses a size string like "100MB" into bytes.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}

// parseAge parses an age string like "7d" or "2w" into time.Duration.
func parseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))

	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	if strings.HasSuffix(s, "w") {
		weeks, err := strconv.Atoi(strings.TrimSuffix(s, "w"))
		if err != nil {
			return 0, err
		}
		return time.Duration(weeks) * 7 * 24 * time.Hour, nil
	}

	return time.ParseDuration(s)
}
