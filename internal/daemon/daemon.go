// Package daemon records the running `forest run` process so other
// commands can reach its API instead of opening the state themselves.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the daemon file inside the state directory.
const FileName = "forest.pid"

// ErrNotRunning is returned when no live daemon is recorded.
var ErrNotRunning = errors.New("daemon not running")

// Record describes a running daemon.
type Record struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StateDir  string    `json:"stateDir"`
	StartedAt time.Time `json:"startedAt"`
}

// File manages the daemon record on disk.
type File struct {
	Path string
}

// NewFile returns the daemon file of a state directory.
func NewFile(stateDir string) *File {
	return &File{Path: filepath.Join(stateDir, FileName)}
}

// Claim writes a record for the current process. It fails when another
// live daemon already owns the file.
func (f *File) Claim(port int, stateDir string) (Record, error) {
	if rec, ok := f.Running(); ok && rec.PID != os.Getpid() {
		return Record{}, fmt.Errorf("forest already running (pid %d, port %d)", rec.PID, rec.Port)
	}
	rec := Record{
		PID:       os.Getpid(),
		Port:      port,
		StateDir:  stateDir,
		StartedAt: time.Now().UTC(),
	}
	return rec, f.Write(rec)
}

// Write stores rec atomically.
func (f *File) Write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write daemon file: %w", err)
	}
	return os.Rename(tmp, f.Path)
}

// Read loads the record.
func (f *File) Read() (Record, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("invalid daemon file content: %w", err)
	}
	if rec.PID <= 0 {
		return Record{}, fmt.Errorf("invalid daemon file content: pid %d", rec.PID)
	}
	return rec, nil
}

// Running returns the record when its process is alive.
func (f *File) Running() (Record, bool) {
	rec, err := f.Read()
	if err != nil {
		return Record{}, false
	}
	return rec, processAlive(rec.PID)
}

// Release removes the file if it still belongs to the current process.
func (f *File) Release() error {
	rec, err := f.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return f.Remove()
	}
	if rec.PID != os.Getpid() {
		return nil
	}
	return f.Remove()
}

// Remove deletes the file.
func (f *File) Remove() error {
	return os.Remove(f.Path)
}
