package session

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// logWriter appends one JSON object per line to
// logsDir/session-<id>-<epoch>.log. The bridge never reads these files
// back; they exist purely for human forensics.
type logWriter struct {
	mu   sync.Mutex
	file *os.File
}

func newLogWriter(dir, sessionID string, epoch int64) *logWriter {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("session log: mkdir %s: %v", dir, err)
		return nil
	}
	path := filepath.Join(dir, fmt.Sprintf("session-%s-%d.log", sessionID, epoch))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("session log: open %s: %v", path, err)
		return nil
	}
	return &logWriter{file: f}
}

func (w *logWriter) Append(entry LogEntry) {
	if w == nil {
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		log.Printf("session log: write: %v", err)
	}
}

func (w *logWriter) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}
