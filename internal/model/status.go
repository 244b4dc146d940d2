package model

import "github.com/rotisserie/eris"

// The queue tables are an explicit state machine. The transition tables below
// are the single source of truth for which status moves are legal; stores
// validate against them before writing.

var downloadTransitions = map[DownloadStatus][]DownloadStatus{
	DownloadPending: {DownloadSuccess, DownloadFailed},
	// Success and Failed are terminal. The only way back to Pending is an
	// explicit operator reset, which bypasses this table on purpose.
	DownloadSuccess: {},
	DownloadFailed:  {},
}

var extractTransitions = map[ExtractStatus][]ExtractStatus{
	ExtractPending:   {ExtractExtracted, ExtractFailed, ExtractSkipped},
	ExtractExtracted: {},
	ExtractFailed:    {},
	ExtractSkipped:   {},
}

// ValidateDownloadTransition returns an error if moving from→to is not a
// legal download status transition.
func ValidateDownloadTransition(from, to DownloadStatus) error {
	for _, next := range downloadTransitions[from] {
		if next == to {
			return nil
		}
	}
	return eris.Errorf("model: illegal download transition %d -> %d", from, to)
}

// ValidateExtractTransition returns an error if moving from→to is not a
// legal extraction status transition.
func ValidateExtractTransition(from, to ExtractStatus) error {
	for _, next := range extractTransitions[from] {
		if next == to {
			return nil
		}
	}
	return eris.Errorf("model: illegal extract transition %s -> %s", from, to)
}
