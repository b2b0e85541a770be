package client

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// historyRecord is one line of the local submission history file.
type historyRecord struct {
	Competition       string `json:"competition"`
	Filename          string `json:"filename"`
	Size              int64  `json:"size"`
	Timestamp         string `json:"timestamp"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

// appendHistory appends one accepted submission to a JSONL history file.
// History is a client-side convenience; failures here never affect the
// submission outcome.
func appendHistory(path, competitionID string, result *Result) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening history file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(&historyRecord{
		Competition:       competitionID,
		Filename:          result.Filename,
		Size:              result.Size,
		Timestamp:         result.Timestamp.UTC().Format(time.RFC3339),
		AttemptsRemaining: result.AttemptsRemaining,
	})
	if err != nil {
		return err
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing history file: %w", err)
	}
	return nil
}
