// Package storage keeps a daily rotated journal of JSON lines on disk.
package storage

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// Record is one journal line
type Record struct {
	Kind     string          `json:"kind"`
	Recorded time.Time       `json:"recorded"`
	Data     json.RawMessage `json:"data"`
}

// Storage writes journal lines to <dir>/<prefix>_<date>.log, switching to a
// new file at midnight UTC and gzip-compressing the previous day's file.
type Storage struct {
	outputDir string
	prefix    string
	now       func() time.Time
	file      *os.File
	day       string
	mu        sync.Mutex
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a new Storage instance
func New(outputDir string) *Storage {
	return NewWithPrefix(outputDir, "crash")
}

// NewWithPrefix creates a Storage whose files start with prefix
func NewWithPrefix(outputDir, prefix string) *Storage {
	return &Storage{
		outputDir: outputDir,
		prefix:    prefix,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// FileFor returns the journal path for the day containing t
func (s *Storage) FileFor(t time.Time) string {
	return filepath.Join(s.outputDir, fmt.Sprintf("%s_%s.log", s.prefix, t.UTC().Format(dayLayout)))
}

// Start opens today's file and starts the rotation timer
func (s *Storage) Start() error {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	s.mu.Lock()
	err := s.rotateFile()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go s.rotationTimer()
	return nil
}

// Stop closes the current file and stops the rotation timer. It is safe to
// call more than once, and without Start.
func (s *Storage) Stop() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// WriteMessage writes a raw line to the current file
func (s *Storage) WriteMessage(message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A late write after midnight goes to the new day's file
	if s.file == nil || s.day != s.now().UTC().Format(dayLayout) {
		if err := s.rotateFile(); err != nil {
			return err
		}
	}

	if len(message) > 0 && message[len(message)-1] == '\n' {
		_, err := s.file.Write(message)
		return err
	}

	line := make([]byte, 0, len(message)+1)
	line = append(line, message...)
	line = append(line, '\n')
	_, err := s.file.Write(line)
	return err
}

// WriteRecord wraps v in a Record of the given kind and writes it as one line
func (s *Storage) WriteRecord(kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	line, err := json.Marshal(Record{Kind: kind, Recorded: s.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.WriteMessage(line)
}

// rotationTimer handles daily rotation at midnight UTC
func (s *Storage) rotationTimer() {
	defer s.wg.Done()

	for {
		now := s.now().UTC()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)

		select {
		case <-time.After(nextMidnight.Sub(now)):
			if err := s.rotateAndCompress(); err != nil {
				log.Printf("Error during rotation: %v", err)
			}
		case <-s.stopChan:
			return
		}
	}
}

// rotateAndCompress switches to today's file and compresses the previous day's
func (s *Storage) rotateAndCompress() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if err := s.file.Close(); err != nil {
			log.Printf("Warning: failed to close journal: %v", err)
		}
		s.file = nil
	}

	yesterday := s.FileFor(s.now().UTC().AddDate(0, 0, -1))
	if _, err := os.Stat(yesterday); err == nil {
		if err := compressFile(yesterday); err != nil {
			return fmt.Errorf("failed to compress file: %w", err)
		}
	}

	return s.rotateFile()
}

// compressFile replaces path with path.gz
func compressFile(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(target)
	if _, err := io.Copy(gz, source); err != nil {
		gz.Close()
		target.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		target.Close()
		return err
	}
	if err := target.Close(); err != nil {
		return err
	}

	source.Close()
	return os.Remove(path)
}

// rotateFile opens the file for the current day. Callers hold s.mu.
func (s *Storage) rotateFile() error {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}

	now := s.now()
	file, err := os.OpenFile(s.FileFor(now), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	s.file = file
	s.day = now.UTC().Format(dayLayout)
	return nil
}
