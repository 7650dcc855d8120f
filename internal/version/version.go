// Package version identifies the build that produced a checkpoint record.
package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Stamp returns the version and short commit written into checkpoint records.
func Stamp() string {
	sha := GitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return Version + "+" + sha
}
