// Package version exposes build metadata stamped in through -ldflags.
package version

import (
	"encoding/json"
	"fmt"
)

var (
	// Version is set at build time, "dev" otherwise.
	Version = "dev"

	// GitCommit is the commit SHA of the build.
	GitCommit = "unknown"
)

// Info is the reportable version of the binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
}

// Get returns the build's version info.
func Get() Info {
	return Info{Version: Version, GitCommit: GitCommit}
}

func (i Info) String() string {
	return fmt.Sprintf("Version: %s, GitCommit: %s", i.Version, i.GitCommit)
}

// JSON renders the info as indented JSON.
func (i Info) JSON() (string, error) {
	bytes, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}
