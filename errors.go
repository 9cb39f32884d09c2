package rawexr

import "errors"

// Pipeline error taxonomy. Call sites wrap these with fmt.Errorf("...: %w", ...)
// so callers can classify failures with errors.Is while keeping context.
var (
	// ErrDecode reports a native decode or open failure: missing file,
	// corrupt payload, unsupported sensor format.
	ErrDecode = errors.New("raw decode failed")

	// ErrConfiguration reports an invalid or unimplemented configuration
	// branch, such as a custom Kelvin white balance.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrFileState reports a filesystem precondition failure: destination
	// exists without overwrite permission, or a parent directory is absent.
	ErrFileState = errors.New("file state")

	// ErrEncode reports a write-time failure, or a decode-error flag carried
	// into the encoder by the pixel buffer.
	ErrEncode = errors.New("encode failed")
)
