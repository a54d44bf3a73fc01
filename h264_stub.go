//go:build !(darwin || linux) || noh264

package transcode

// IsH264Available reports false: this build has no native H.264 provider.
func IsH264Available() bool { return false }
