package main

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	"faxhistoria.ai/internal/persistence/backup"
	"faxhistoria.ai/internal/turn"
)

// writeMetrics renders the minimal Prometheus exposition format.
func writeMetrics(rw http.ResponseWriter, m turn.Metrics, mirror *backup.Mirror) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeTurnMetrics(rw, m)
	if mirror != nil {
		writeBackupMetrics(rw, mirror.Stats())
	}
}

func writeTurnMetrics(w io.Writer, m turn.Metrics) {
	fmt.Fprintf(w, "# HELP faxhistoria_turns_total Turn submissions by outcome.\n")
	fmt.Fprintf(w, "# TYPE faxhistoria_turns_total counter\n")
	fmt.Fprintf(w, "faxhistoria_turns_total{outcome=%q} %d\n", "submitted", m.Submitted)
	fmt.Fprintf(w, "faxhistoria_turns_total{outcome=%q} %d\n", "committed", m.Committed)
	fmt.Fprintf(w, "faxhistoria_turns_total{outcome=%q} %d\n", "replayed", m.Replayed)

	kinds := make([]string, 0, len(m.Rejected))
	for k := range m.Rejected {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprintf(w, "# HELP faxhistoria_turns_rejected_total Rejected or failed submissions by error kind.\n")
	fmt.Fprintf(w, "# TYPE faxhistoria_turns_rejected_total counter\n")
	for _, k := range kinds {
		fmt.Fprintf(w, "faxhistoria_turns_rejected_total{kind=%q} %d\n", k, m.Rejected[k])
	}

	fmt.Fprintf(w, "# HELP faxhistoria_turns_in_flight Submissions currently running.\n")
	fmt.Fprintf(w, "# TYPE faxhistoria_turns_in_flight gauge\n")
	fmt.Fprintf(w, "faxhistoria_turns_in_flight %d\n", m.InFlight)

	fmt.Fprintf(w, "# HELP faxhistoria_events_degraded_total Proposed events replaced by a narrative fallback.\n")
	fmt.Fprintf(w, "# TYPE faxhistoria_events_degraded_total counter\n")
	fmt.Fprintf(w, "faxhistoria_events_degraded_total %d\n", m.Degraded)

	fmt.Fprintf(w, "# HELP faxhistoria_model_tokens_total Model tokens spent on committed turns.\n")
	fmt.Fprintf(w, "# TYPE faxhistoria_model_tokens_total counter\n")
	fmt.Fprintf(w, "faxhistoria_model_tokens_total %d\n", m.TokensSpent)
}

func writeBackupMetrics(w io.Writer, s backup.Stats) {
	fmt.Fprintf(w, "# HELP faxhistoria_backup_queue_depth Files waiting for upload.\n")
	fmt.Fprintf(w, "# TYPE faxhistoria_backup_queue_depth gauge\n")
	fmt.Fprintf(w, "faxhistoria_backup_queue_depth %d\n", s.Queued)
	fmt.Fprintf(w, "faxhistoria_backup_queue_capacity %d\n", s.Capacity)

	fmt.Fprintf(w, "# HELP faxhistoria_backup_files_total Backup files by outcome.\n")
	fmt.Fprintf(w, "# TYPE faxhistoria_backup_files_total counter\n")
	fmt.Fprintf(w, "faxhistoria_backup_files_total{outcome=%q} %d\n", "enqueued", s.Enqueued)
	fmt.Fprintf(w, "faxhistoria_backup_files_total{outcome=%q} %d\n", "dropped", s.Dropped)
	fmt.Fprintf(w, "faxhistoria_backup_files_total{outcome=%q} %d\n", "uploaded", s.Uploaded)
	fmt.Fprintf(w, "faxhistoria_backup_files_total{outcome=%q} %d\n", "failed", s.Failed)

	fmt.Fprintf(w, "# HELP faxhistoria_backup_last_upload_unix Unix time of the last successful upload.\n")
	fmt.Fprintf(w, "# TYPE faxhistoria_backup_last_upload_unix gauge\n")
	fmt.Fprintf(w, "faxhistoria_backup_last_upload_unix %d\n", s.LastUpload)
}
