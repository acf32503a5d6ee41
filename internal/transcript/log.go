package transcript

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix      = "apitest-log-"
	latestName      = filePrefix + "latest"
	entrySeparator  = "\n\n" + "------------------------------" + "\n\n"
	timestampLayout = "2006-01-02T15-04-05"
)

// Log is the append-only transcript file of a single process run
type Log struct {
	mu   sync.Mutex
	path string
	out  io.Writer
	file *os.File
}

// Open creates the transcript file of the current run inside dir and points the 'latest' symlink at it
func Open(dir string, now time.Time) (*Log, error) {
	path := filepath.Join(dir, filePrefix+now.Format(timestampLayout))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	header := "Logfile started on " + now.Format(time.RFC1123) + "\n"
	header += strings.Repeat("=", len(header)-1) + "\n\n\n"
	if _, err := file.WriteString(header); err != nil {
		file.Close()
		return nil, err
	}

	// Replace the symlink pointing to the previous run; the target is relative to the link itself
	latest := filepath.Join(dir, latestName)
	if err := os.Remove(latest); err != nil && !os.IsNotExist(err) {
		file.Close()
		return nil, err
	}
	if err := os.Symlink(filepath.Base(path), latest); err != nil {
		file.Close()
		return nil, err
	}

	return &Log{
		path: path,
		out:  file,
		file: file,
	}, nil
}

// NewWriterLog creates a log writing to an arbitrary writer instead of a file
func NewWriterLog(out io.Writer) *Log {
	return &Log{out: out}
}

// Path returns the path of the transcript file or an empty string if the log is not file-backed
func (log *Log) Path() string {
	if log == nil {
		return ""
	}
	return log.path
}

// LatestPath returns the path of the symlink pointing at the most recent transcript file
func (log *Log) LatestPath() string {
	if log.Path() == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(log.path), latestName)
}

// Append writes the transcript of a single exchange to the log.
// A nil log discards the exchange.
func (log *Log) Append(exchange *Exchange) error {
	if log == nil {
		return nil
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	_, err := fmt.Fprint(log.out, Format(exchange)+entrySeparator)
	return err
}

// Close closes the underlying file
func (log *Log) Close() error {
	if log == nil || log.file == nil {
		return nil
	}
	return log.file.Close()
}
