package audit

import (
	"encoding/json"
	"os"
	"time"
)

// Entry represents a single audit log entry. Secrets and key material are
// never recorded.
type Entry struct {
	Timestamp string `json:"ts"` // RFC3339 with microseconds.
	Operation string `json:"op"` // Operation name.
	Archive   string `json:"archive"`
	ExportID  string `json:"export_id"` // Hex.

	// Optional fields depending on operation.
	SlotID     *uint32 `json:"slot_id,omitempty"`     // For add/revoke.
	Label      string  `json:"label,omitempty"`       // For add.
	Kind       string  `json:"kind,omitempty"`        // For add.
	SlotsCount int     `json:"slots_count,omitempty"` // Slots after the change.
	Chunks     uint32  `json:"chunks,omitempty"`      // For export/rotate.
}

// Log appends entries to a JSON Lines file. The zero value, with no path,
// discards everything.
type Log struct {
	Path string
}

// SlotID returns a pointer suitable for Entry.SlotID
func SlotID(id uint32) *uint32 { return &id }

// Record appends an entry to the audit log.
// Failures are swallowed: an operation never fails because auditing did.
func (l Log) Record(entry Entry) {
	if l.Path == "" {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	}

	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = f.Write(append(data, '\n'))
}

// ReadEntries reads all entries from the audit log.
// Returns an empty slice if the log doesn't exist.
func (l Log) ReadEntries() ([]Entry, error) {
	if l.Path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(l.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseEntries(data)
}

// ParseEntries parses JSON Lines data into audit entries.
// Malformed lines are silently skipped.
func ParseEntries(data []byte) ([]Entry, error) {
	var entries []Entry
	start := 0

	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1

			if len(line) == 0 {
				continue
			}

			var entry Entry
			if err := json.Unmarshal(line, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
	}

	return entries, nil
}
