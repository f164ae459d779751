package events

import "time"

// ProcessingProgress is published at most once a second by the bulk log
// processor's catch-up phase and by long-running operations whose
// progress is bytes-based rather than file-count-based.
type ProcessingProgress struct {
	Datasource     string    `json:"datasource"`
	BytesProcessed int64     `json:"bytes_processed"`
	BytesTotal     int64     `json:"bytes_total"`
	Percent        float64   `json:"percent"`
	Timestamp      time.Time `json:"timestamp"`
}

// OperationProgress is the common shape for every job's progress event.
type OperationProgress struct {
	OperationID string    `json:"operation_id"`
	Percent     float64   `json:"percent"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// OperationComplete is published exactly once per operation.
type OperationComplete struct {
	OperationID string    `json:"operation_id"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// DownloadsRefreshed signals that the downloads table changed and any
// cached view of it should be invalidated.
type DownloadsRefreshed struct {
	Timestamp time.Time `json:"timestamp"`
}

// GameSpeed is one member of a DownloadSpeedSnapshot's game_speeds list.
type GameSpeed struct {
	AppID          int64   `json:"app_id"`
	GameName       string  `json:"game_name"`
	BytesPerSecond float64 `json:"bytes_per_second"`
}

// ClientSpeed is one member of a DownloadSpeedSnapshot's client_speeds list.
type ClientSpeed struct {
	ClientIP       string  `json:"client_ip"`
	BytesPerSecond float64 `json:"bytes_per_second"`
}

// DownloadSpeedSnapshot is the speed tracker's output, published on the
// DownloadSpeedUpdate topic and also written as a JSON line to the
// tracker's stdout.
type DownloadSpeedSnapshot struct {
	WindowSeconds       float64       `json:"window_seconds"`
	TotalBytesPerSecond float64       `json:"total_bytes_per_second"`
	HasActiveDownloads  bool          `json:"has_active_downloads"`
	GameSpeeds          []GameSpeed   `json:"game_speeds"`
	ClientSpeeds        []ClientSpeed `json:"client_speeds"`
	Timestamp           time.Time     `json:"timestamp"`
}

// SteamSessionError is published when a Steam-facing session fails. The
// core only surfaces it; the login flow itself is out of scope.
type SteamSessionError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SteamAutoLogout is published when a Steam session is torn down
// automatically (idle timeout, revoked auth, etc).
type SteamAutoLogout struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}
