package common

// Version information, overridable at build time via ldflags:
//
//	go build -ldflags "-X github.com/coolbix/quantgate/internal/common.Version=1.2.3"
var (
	Version   = "0.1.0"
	Build     = "dev"
	GitCommit = "unknown"
)

// GetVersion returns the semantic version string.
func GetVersion() string { return Version }

// GetBuild returns the build identifier.
func GetBuild() string { return Build }

// GetGitCommit returns the git commit the binary was built from.
func GetGitCommit() string { return GitCommit }
