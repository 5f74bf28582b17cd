package targets

import (
	"os"
	"strings"

	"github.com/ctrl-cmd/gobuild"
)

// ldFlags returns linker flags passed to Go command.
func ldFlags() string {
	flags := []string{
		"-X main.version=" + getVersion(),
		"-w -extldflags \"-static\"",
	}
	return strings.Join(flags, " ")
}

// Install installs vks server using `go install`.
func Install() error {
	return gobuild.RunInstall("-ldflags", ldFlags(), "./cmd/vks/")
}

// Build builds vks binary using `go build`.
func Build() error {
	return gobuild.RunBuild("-ldflags", ldFlags(), "./cmd/vks/")
}

func init() {
	// for static build
	os.Setenv("CGO_ENABLED", "0")
}
