package status

import "fmt"

// Snapshot is the telemetry event published once per second while a session
// runs, and once more with zeroed counters when it stops.
type Snapshot struct {
	State         State  `json:"state"`
	Duration      string `json:"duration"`
	UploadSpeed   int64  `json:"upload_speed"`
	DownloadSpeed int64  `json:"download_speed"`
	TotalUpload   int64  `json:"total_upload"`
	TotalDownload int64  `json:"total_download"`
}

// Zero returns the snapshot published on disconnect.
func Zero() Snapshot {
	return Snapshot{State: Disconnected, Duration: FormatDuration(0)}
}

// FormatDuration renders elapsed seconds as HH:MM:SS. Hours wrap at 24.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := (seconds / 3600) % 24
	m := (seconds / 60) % 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
