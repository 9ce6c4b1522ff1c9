package relay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// SequenceLog stores change frames in sequence order for replay.
//
// Implementations must be safe for concurrent use. Append assigns the next
// sequence number; After returns frames strictly greater than a sequence.
type SequenceLog interface {
	// Append stores the frame and returns its assigned sequence number
	Append(f Frame) (uint64, error)

	// After returns stored frames with sequence > seq, in sequence order
	After(seq uint64) ([]Frame, error)

	// Last returns the highest assigned sequence number (0 if empty)
	Last() uint64

	// Close releases any underlying resources
	Close() error
}

// MemoryLog is an in-memory SequenceLog.
//
// It is the default for tests and for relays that do not need to survive
// restarts. Devices reconnecting to a fresh relay start from sequence 0 and
// rely on version staleness checks to discard duplicates.
type MemoryLog struct {
	mu     sync.RWMutex
	frames []Frame
	next   uint64
}

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{next: 1}
}

func (l *MemoryLog) Append(f Frame) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f.Sequence = l.next
	l.next++
	l.frames = append(l.frames, f)
	return f.Sequence, nil
}

func (l *MemoryLog) After(seq uint64) ([]Frame, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// Sequences are dense and 1-based, so the slice offset is direct
	if seq >= uint64(len(l.frames)) {
		return nil, nil
	}
	out := make([]Frame, len(l.frames)-int(seq))
	copy(out, l.frames[seq:])
	return out, nil
}

func (l *MemoryLog) Last() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next - 1
}

func (l *MemoryLog) Close() error { return nil }

// FileLog is a SequenceLog backed by an append-only JSONL file.
//
// Each line is one frame with its assigned sequence. On open the full log is
// loaded into memory, so replay reads never touch the disk. This trades
// memory for simplicity; the relay log is bounded by real edit volume, not
// by sync traffic, since duplicate suppression happens on the devices.
type FileLog struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	mem    *MemoryLog
}

// OpenFileLog opens (or creates) a file-backed log at path
func OpenFileLog(path string) (*FileLog, error) {
	mem := NewMemoryLog()

	// Load existing frames first so new sequences continue from the tail
	if existing, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(existing)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var f Frame
			if err := json.Unmarshal(line, &f); err != nil {
				existing.Close()
				return nil, fmt.Errorf("corrupt relay log %s: %w", path, err)
			}
			if _, err := mem.Append(f); err != nil {
				existing.Close()
				return nil, err
			}
		}
		if err := scanner.Err(); err != nil {
			existing.Close()
			return nil, fmt.Errorf("failed to read relay log: %w", err)
		}
		existing.Close()
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to open relay log: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open relay log for append: %w", err)
	}

	return &FileLog{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
		mem:    mem,
	}, nil
}

func (l *FileLog) Append(f Frame) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, err := l.mem.Append(f)
	if err != nil {
		return 0, err
	}
	f.Sequence = seq

	line, err := json.Marshal(f)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal frame: %w", err)
	}
	if _, err := l.writer.Write(line); err != nil {
		return 0, fmt.Errorf("failed to write relay log: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return 0, fmt.Errorf("failed to write relay log: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush relay log: %w", err)
	}
	return seq, nil
}

func (l *FileLog) After(seq uint64) ([]Frame, error) {
	return l.mem.After(seq)
}

func (l *FileLog) Last() uint64 {
	return l.mem.Last()
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return fmt.Errorf("failed to flush relay log: %w", err)
	}
	return l.file.Close()
}
