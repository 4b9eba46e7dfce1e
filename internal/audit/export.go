package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"time"

	"github.com/brianfofficial/atlas/internal/storage"
)

// ExportCSV streams matching entries as CSV, header first.
func (l *Logger) ExportCSV(ctx context.Context, w io.Writer, f storage.AuditFilter) error {
	entries, err := l.store.QueryAuditEntries(ctx, f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "at", "type", "severity", "owner", "ip", "message", "metadata"}); err != nil {
		return err
	}
	for _, e := range entries {
		meta := ""
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return err
			}
			meta = string(b)
		}
		row := []string{
			e.ID,
			e.At.UTC().Format(time.RFC3339Nano),
			e.Type,
			e.Severity,
			e.Owner,
			e.IP,
			e.Message,
			meta,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportJSON streams matching entries as a JSON array.
func (l *Logger) ExportJSON(ctx context.Context, w io.Writer, f storage.AuditFilter) error {
	entries, err := l.store.QueryAuditEntries(ctx, f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
