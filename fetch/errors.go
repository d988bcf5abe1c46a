package fetch

import "errors"

var (
	// ErrFetch indicates a source could not be downloaded. The finetune job
	// drops such an item and continues.
	ErrFetch = errors.New("failed to fetch source")

	// ErrTooLarge indicates a source exceeded the configured size limit.
	ErrTooLarge = errors.New("source exceeds size limit")
)
