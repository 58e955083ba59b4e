package audit

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"time"
)

// WriteTimelineCSV serialises audit events to CSV, one row per event.
// Metadata is emitted as a compact JSON object in the last column.
func WriteTimelineCSV(w io.Writer, events []Event) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write([]string{"At", "Kind", "Actor", "Target", "IP", "UserAgent", "Metadata"}); err != nil {
		return err
	}
	for _, ev := range events {
		meta := ""
		if len(ev.Metadata) > 0 {
			encoded, err := json.Marshal(ev.Metadata)
			if err != nil {
				return err
			}
			meta = string(encoded)
		}
		if err := writer.Write([]string{
			ev.At.UTC().Format(time.RFC3339),
			string(ev.Kind),
			ev.ActorID,
			ev.TargetID,
			ev.IPAddress,
			ev.UserAgent,
			meta,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
