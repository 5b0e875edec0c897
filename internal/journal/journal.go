// Package journal provides the append-only log that makes the in-memory
// store durable. Every store mutation is written as one JSON line holding a
// batch of full record images; replaying the lines in order rebuilds state.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/nathanyu/funds-transfer/internal/telemetry"
)

// Entry kinds
const (
	KindAccountPut    = "account.put"
	KindAccountDelete = "account.delete"
	KindTransferPut   = "transfer.put"
)

// Entry is a single record image inside a batch.
type Entry struct {
	Kind          string           `json:"kind"`
	AccountNumber string           `json:"account_number,omitempty"`
	Account       *domain.Account  `json:"account,omitempty"`
	Transfer      *domain.Transfer `json:"transfer,omitempty"`
}

// Batch is the unit of atomicity: a line is either fully present or it is
// the torn tail of a crashed write.
type Batch struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Entries   []Entry   `json:"entries"`
}

type segment interface {
	io.Writer
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

// Journal provides append-only storage for batches
type Journal struct {
	filePath string
	file     segment
	seq      uint64
	// broken is set when a failed append could not be rolled back.
	broken error
	mu     sync.Mutex
	logger *slog.Logger
}

// Open opens (or creates) the journal at filePath
func Open(filePath string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{
		filePath: filePath,
		file:     file,
		logger:   logger,
	}, nil
}

// Append writes entries as one batch and syncs it to disk
func (j *Journal) Append(entries ...Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.broken != nil {
		return fmt.Errorf("journal unusable: %w", j.broken)
	}

	start := time.Now()

	batch := Batch{
		Seq:       j.seq + 1,
		Timestamp: time.Now().UTC(),
		Entries:   entries,
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to serialize batch: %w", err)
	}

	// Append newline for line-delimited JSON
	data = append(data, '\n')

	info, err := j.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal: %w", err)
	}
	size := info.Size()

	if _, err := j.file.Write(data); err != nil {
		return j.rollback(size, fmt.Errorf("failed to write batch: %w", err))
	}

	// Ensure durability
	if err := j.file.Sync(); err != nil {
		return j.rollback(size, fmt.Errorf("failed to sync journal: %w", err))
	}

	j.seq = batch.Seq
	telemetry.JournalWriteDuration.Observe(time.Since(start).Seconds())
	return nil
}

// rollback cuts the file back to size so a partial batch never prefixes the
// next one. If that fails the journal refuses further appends.
func (j *Journal) rollback(size int64, cause error) error {
	if err := j.file.Truncate(size); err != nil {
		j.broken = fmt.Errorf("truncate to %d after failed append: %w", size, err)
		j.logger.Error("journal left with partial batch", "path", j.filePath, "error", err)
		return errors.Join(cause, j.broken)
	}
	return cause
}

// LoadAll reads every complete batch. A malformed or unterminated final line
// is a torn write: it is logged and truncated away so later appends start on a
// clean line. A malformed line anywhere else is corruption.
func (j *Journal) LoadAll() ([]Batch, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Batch{}, nil
		}
		return nil, fmt.Errorf("failed to open journal for reading: %w", err)
	}
	defer file.Close()

	var batches []Batch
	reader := bufio.NewReaderSize(file, 64*1024)

	var offset, good int64
	lineNum := 0
	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("error reading journal: %w", readErr)
		}
		if len(line) == 0 {
			break
		}

		lineNum++
		offset += int64(len(line))
		complete := line[len(line)-1] == '\n'

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var batch Batch
			err := json.Unmarshal(trimmed, &batch)
			if err != nil || !complete {
				if _, peekErr := reader.Peek(1); !errors.Is(peekErr, io.EOF) {
					return nil, fmt.Errorf("corrupt journal batch at line %d: %w", lineNum, err)
				}
				j.logger.Warn("truncating torn journal tail", "line", lineNum, "offset", good)
				if err := os.Truncate(j.filePath, good); err != nil {
					return nil, fmt.Errorf("failed to truncate torn journal tail: %w", err)
				}
				break
			}
			batches = append(batches, batch)
		}
		good = offset
	}

	if n := len(batches); n > 0 && batches[n-1].Seq > j.seq {
		j.seq = batches[n-1].Seq
	}

	return batches, nil
}

// Close closes the journal file
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		return j.file.Close()
	}
	return nil
}
