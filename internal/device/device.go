package device

import "io"

// Handle controls one playback started through a Player.
type Handle interface{}

// Player is the platform playback collaborator. Capability handlers depend
// only on this interface, never on a concrete playback mechanism.
type Player interface {
	// Exists reports whether the playback backend is available on this
	// system.
	Exists() bool
	// PlayOnce starts a single playback of the audio file at path.
	PlayOnce(file string) (Handle, error)
	// PlayInfinite starts a looping playback of the audio file at path.
	PlayInfinite(file string) (Handle, error)
	Stop(h Handle) error
	Pause(h Handle) error
	Resume(h Handle) error
	// Ended reports whether the playback behind h has finished.
	Ended(h Handle) bool
}

// CaptureSource is a readable audio byte source. Read returns io.EOF at end
// of stream; Close releases the source promptly, terminating any in-flight
// upload without waiting for a natural end of stream. It may be backed by a
// file or a live capture device.
type CaptureSource interface {
	io.ReadCloser
}
