package models

// DownloadStatus tracks acquisition of a channel's source video.
type DownloadStatus string

// Download status constants (stored verbatim in channels.download_status).
const (
	DownloadIdle        DownloadStatus = "IDLE"
	DownloadDownloading DownloadStatus = "DOWNLOADING"
	DownloadReady       DownloadStatus = "READY"
	DownloadError       DownloadStatus = "ERROR"
)

// Valid reports whether s is one of the known download statuses.
func (s DownloadStatus) Valid() bool {
	switch s {
	case DownloadIdle, DownloadDownloading, DownloadReady, DownloadError:
		return true
	}
	return false
}
