// Package export renders the conversation list in downloadable formats for
// the admin console's export button.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/mylb/messaging/internal/conversation"
)

// Format identifies an export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat validates a format query value, defaulting to CSV when empty.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("export: unsupported format %q", s)
	}
}

// ContentType returns the MIME type to serve the export with.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

// Filename returns the suggested download filename, stamped with the date.
func (f Format) Filename(now time.Time) string {
	return "conversations-" + now.Format("2006-01-02") + "." + string(f)
}

var csvHeader = []string{
	"peer_id", "display_name", "email", "status",
	"unread_count", "online", "last_message", "last_message_time",
}

// Write renders the summaries to w in the given format.
func Write(w io.Writer, f Format, summaries []conversation.Summary) error {
	if f == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if summaries == nil {
			summaries = []conversation.Summary{}
		}
		return enc.Encode(summaries)
	}
	return writeCSV(w, summaries)
}

func writeCSV(w io.Writer, summaries []conversation.Summary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}

	for _, s := range summaries {
		var ts string
		if !s.LastMessageTime.IsZero() {
			ts = s.LastMessageTime.Format(time.RFC3339)
		}
		row := []string{
			strconv.FormatInt(s.PeerID, 10),
			s.DisplayName,
			s.Email,
			string(s.Status),
			strconv.Itoa(s.UnreadCount),
			strconv.FormatBool(s.Online),
			s.LastMessage,
			ts,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: write csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: flush csv: %w", err)
	}
	return nil
}
