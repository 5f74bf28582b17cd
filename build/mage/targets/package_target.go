package targets

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/ctrl-cmd/gobuild"
	"github.com/magefile/mage/mg"
)

type Package mg.Namespace

// nfpm configuration shipping the vks binary and the sample
// server configuration.
const nfpmConf = "./build/packaging/nfpm.yaml"

// createRelease creates name in the release directory and calls
// write with it.
func createRelease(name string, write func(f *os.File) error) error {
	path := filepath.Join(getReleaseDir(), name)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return write(f)
}

// Tgz creates a release tar gzipped archive of the sources.
func (Package) Tgz() error {
	archive, err := gobuild.NewGitArchive(getPackageFile(packageName, ""))
	if err != nil {
		return err
	}
	return createRelease(getPackageFile(packageName, "tgz"), func(f *os.File) error {
		return archive.Create(gobuild.TgzArchive, f)
	})
}

// Zip creates a release zip archive of the sources.
func (Package) Zip() error {
	archive, err := gobuild.NewGitArchive(getPackageFile(packageName, ""))
	if err != nil {
		return err
	}
	return createRelease(getPackageFile(packageName, "zip"), func(f *os.File) error {
		return archive.Create(gobuild.ZipArchive, f)
	})
}

// Deb builds the vks deb package.
func (Package) Deb() error {
	mg.Deps(Build)

	config, err := os.Open(nfpmConf)
	if err != nil {
		return err
	}
	defer config.Close()

	p, err := gobuild.NewPackage(config, gobuild.DEB, getVersion(), runtime.GOARCH)
	if err != nil {
		return err
	}
	return createRelease(p.Info.Target, func(f *os.File) error {
		return p.Create(f)
	})
}

// RPM builds the vks RPM package.
func (Package) RPM() error {
	mg.Deps(Build)

	config, err := os.Open(nfpmConf)
	if err != nil {
		return err
	}
	defer config.Close()

	p, err := gobuild.NewPackage(config, gobuild.RPM, getVersion(), runtime.GOARCH)
	if err != nil {
		return err
	}
	return createRelease(p.Info.Target, func(f *os.File) error {
		return p.Create(f)
	})
}
