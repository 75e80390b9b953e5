package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	_defaultFileMode = 0o644
	_defaultDirMode  = 0o755
	_backupLayout    = "20060102-150405"
)

// FileAppender writes lines to a file and rotates it by size or by age.
// A rotated file is renamed to "<path>.<timestamp>" and a fresh file is opened.
type FileAppender struct {
	mu            sync.Mutex
	path          string
	splitBytes    int64
	splitInterval time.Duration
	fd            *os.File
	size          int64
	openedAt      time.Time
}

// NewFileAppender opens cfg.LogPath. Errors opening the file are fatal at startup.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	a := &FileAppender{
		path:          cfg.LogPath,
		splitBytes:    int64(cfg.FileSplitMB) << 20,
		splitInterval: time.Duration(cfg.FileSplitHour) * time.Hour,
	}
	if err := a.open(); err != nil {
		panic(fmt.Errorf("open log file %q: %w", cfg.LogPath, err))
	}
	return a
}

// Write appends one record, rotating the file first when it has reached its size limit.
func (a *FileAppender) Write(buf []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fd == nil {
		return 0, errors.New("file appender closed")
	}
	if a.shouldRotate(int64(len(buf))) {
		if err := a.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := a.fd.Write(buf)
	a.size += int64(n)
	return n, err
}

// Refresh syncs the file to disk.
func (a *FileAppender) Refresh() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fd == nil {
		return nil
	}
	return a.fd.Sync()
}

// Close flushes and closes the current file.
func (a *FileAppender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fd == nil {
		return nil
	}
	err := a.fd.Close()
	a.fd = nil
	return err
}

func (a *FileAppender) shouldRotate(incoming int64) bool {
	if a.splitBytes > 0 && a.size > 0 && a.size+incoming > a.splitBytes {
		return true
	}
	return a.splitInterval > 0 && time.Since(a.openedAt) >= a.splitInterval
}

func (a *FileAppender) rotate() error {
	if err := a.fd.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	a.fd = nil

	backup := a.path + "." + time.Now().Format(_backupLayout)
	for i := 1; fileExists(backup); i++ {
		backup = fmt.Sprintf("%s.%s.%d", a.path, time.Now().Format(_backupLayout), i)
	}
	if err := os.Rename(a.path, backup); err != nil {
		return fmt.Errorf("rename log file: %w", err)
	}
	return a.open()
}

func (a *FileAppender) open() error {
	if err := os.MkdirAll(filepath.Dir(a.path), _defaultDirMode); err != nil {
		return err
	}
	fd, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, _defaultFileMode)
	if err != nil {
		return err
	}
	fi, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return err
	}
	a.fd = fd
	a.size = fi.Size()
	a.openedAt = time.Now()
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
