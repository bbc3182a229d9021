package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = SemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

// SemVer is the current version of beaconsync.
const SemVer = "0.1.0"
