// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package clog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// RotateProvider is a LogProvider writing to a file that is rotated once it
// grows past MaxSize. At most MaxBackups rotated files are kept, named
// <path>.1 (newest) .. <path>.N (oldest).
type RotateProvider struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	size       int64
	file       *os.File
	logger     *log.Logger
}

// NewRotateProvider open or create the log file at path.
// maxSize <= 0 defaults to 10 MiB, maxBackups <= 0 defaults to 3.
func NewRotateProvider(path string, maxSize int64, maxBackups int) (*RotateProvider, error) {
	if maxSize <= 0 {
		maxSize = 10 << 20
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	sf := &RotateProvider{
		path:       path,
		maxSize:    maxSize,
		maxBackups: maxBackups,
		size:       st.Size(),
		file:       f,
	}
	sf.logger = log.New(sf, "", log.LstdFlags|log.Lmicroseconds)
	return sf, nil
}

// Write implements io.Writer, rotating before the write that would overflow.
func (sf *RotateProvider) Write(p []byte) (int, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.size+int64(len(p)) > sf.maxSize {
		if err := sf.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := sf.file.Write(p)
	sf.size += int64(n)
	return n, err
}

// rotate must be called with mu held.
func (sf *RotateProvider) rotate() error {
	sf.file.Close()
	for i := sf.maxBackups - 1; i >= 1; i-- {
		os.Rename(backupName(sf.path, i), backupName(sf.path, i+1))
	}
	if err := os.Rename(sf.path, backupName(sf.path, 1)); err != nil && !os.IsNotExist(err) {
		return err
	}
	f, err := os.OpenFile(sf.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	sf.file = f
	sf.size = 0
	return nil
}

func backupName(path string, n int) string {
	return filepath.Clean(fmt.Sprintf("%s.%d", path, n))
}

// Close close the underlying file.
func (sf *RotateProvider) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.file.Close()
}

var _ LogProvider = (*RotateProvider)(nil)

// Critical Log CRITICAL level message.
func (sf *RotateProvider) Critical(format string, v ...interface{}) {
	sf.logger.Printf("[C]: "+format, v...)
}

// Error Log ERROR level message.
func (sf *RotateProvider) Error(format string, v ...interface{}) {
	sf.logger.Printf("[E]: "+format, v...)
}

// Warn Log WARN level message.
func (sf *RotateProvider) Warn(format string, v ...interface{}) {
	sf.logger.Printf("[W]: "+format, v...)
}

// Debug Log DEBUG level message.
func (sf *RotateProvider) Debug(format string, v ...interface{}) {
	sf.logger.Printf("[D]: "+format, v...)
}
