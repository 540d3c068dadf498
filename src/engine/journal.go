package engine

// The journal is an append-only audit trail of committed and rolled back
// transactions. It is written after the fact and never replayed.

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JournalEntry represents a single entry in the journal.
type JournalEntry struct {
	Timestamp     time.Time
	TransactionID string
	Command       string
	Collection    string
	Details       string
}

// Journal writes entries to <dir>/<db>_<YYYY-MM-DD>.journal, starting a new
// numbered file for the day once the current one exceeds the size limit.
type Journal struct {
	mu                 sync.Mutex
	file               *os.File
	directory          string
	dbName             string
	currentDate        time.Time
	sequence           int // rollover number within the current date
	maxJournalFileSize int64
	currentSize        int64
	now                func() time.Time
}

// NewJournal opens today's journal file for dbName in dir.
func NewJournal(dir, dbName string, maxFileSize int64) (*Journal, error) {
	j := &Journal{
		directory:          dir,
		dbName:             dbName,
		maxJournalFileSize: maxFileSize,
		now:                time.Now,
	}
	if err := j.ensureCorrectFileOpen(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) fileName(date time.Time, sequence int) string {
	dateStr := date.Format("2006-01-02")
	if sequence == 0 {
		return filepath.Join(j.directory, fmt.Sprintf("%s_%s.journal", j.dbName, dateStr))
	}
	return filepath.Join(j.directory, fmt.Sprintf("%s_%s.%d.journal", j.dbName, dateStr, sequence))
}

// ensureCorrectFileOpen ensures the correct journal file is open based on
// the current date and size.
func (j *Journal) ensureCorrectFileOpen() error {
	now := j.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	rollover := j.maxJournalFileSize > 0 && j.currentSize >= j.maxJournalFileSize
	if j.file != nil && j.currentDate.Equal(today) && !rollover {
		return nil
	}

	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close previous journal file: %w", err)
		}
		j.file = nil
	}

	switch {
	case !j.currentDate.Equal(today):
		j.sequence = 0
	case rollover:
		j.sequence++
	}

	if err := os.MkdirAll(j.directory, 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	fileName := j.fileName(today, j.sequence)
	file, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file %s: %w", fileName, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat journal file %s: %w", fileName, err)
	}

	j.file = file
	j.currentDate = today
	j.currentSize = info.Size()
	return nil
}

// AddEntry appends one line to the journal.
func (j *Journal) AddEntry(txID, command, collection, details string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.ensureCorrectFileOpen(); err != nil {
		return err
	}

	entry := JournalEntry{
		Timestamp:     j.now(),
		TransactionID: txID,
		Command:       command,
		Collection:    collection,
		Details:       details,
	}
	line := fmt.Sprintf("%s | %s | %s | %s | %s\n", entry.Timestamp.Format(time.RFC3339), entry.TransactionID,
		entry.Command, entry.Collection, entry.Details)
	if _, err := j.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write to journal file: %w", err)
	}
	j.currentSize += int64(len(line))
	return nil
}

// Path returns the file currently being written.
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fileName(j.currentDate, j.sequence)
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
		j.file = nil
	}
	return nil
}
