//go:build !(darwin || linux) || noopus

package transcode

// IsOpusAvailable reports false: this build has no Opus provider.
func IsOpusAvailable() bool { return false }

// OpusVersion returns an empty string in builds without Opus.
func OpusVersion() string { return "" }
