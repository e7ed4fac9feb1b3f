package data

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidItemID = errors.New("invalid item id")

	// Download path. These are surfaced to callers.
	ErrAlreadyDownloaded   = errors.New("item already downloaded or in flight")
	ErrResolutionFailed    = errors.New("could not resolve item tracks")
	ErrTrackTransferFailed = errors.New("track transfer failed")
	ErrFileSystem          = errors.New("file system error")
	ErrNotDownloadable     = errors.New("item type has no tracks")

	// Store.
	ErrDuplicateTrack = errors.New("duplicate track for item index")

	// Recovered internally, never returned from public operations.
	ErrReportFailed = errors.New("progress report failed")
	ErrOrphanedTask = errors.New("transfer task no longer exists")
)
