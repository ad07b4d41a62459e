package build

// CurrentCommit is set by the build system.
var CurrentCommit string

// BuildVersion is the local build version
const BuildVersion = "0.1.0-dev"

func UserVersion() string {
	if CurrentCommit == "" {
		return BuildVersion
	}
	return BuildVersion + "+" + CurrentCommit
}
