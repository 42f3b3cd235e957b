// Package types provides the build key and the filesystem layout derived
// from it
package types

import (
	"fmt"
	"path/filepath"
)

// Well-known paths relative to the cdimage root
const (
	ArchiveSyncLock   = "etc/.lock-archive-sync"
	SemaphorePath     = "etc/.sem-build-image-set"
	NotifyAddresses   = "production/notify-addresses"
	BuildLockPrefix   = ".lock-build-image-set-"
	LocalPackagesDir  = "local/packages"
	LocalDatabaseDir  = "local/database"
	BritneyUpdateOut  = "britney/update_out"
	DebianCDDir       = "debian-cd"
	DefaultConfigFile = "etc/config.yaml"
)

// BuildKey identifies one serializable build stream
type BuildKey struct {
	Project   string
	Series    string
	ImageType string
}

// String renders the key as project/series/image-type
func (k BuildKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Project, k.Series, k.ImageType)
}

// Validate checks that every component is present
func (k BuildKey) Validate() error {
	switch {
	case k.Project == "":
		return fmt.Errorf("build key: missing project")
	case k.Series == "":
		return fmt.Errorf("build key: missing series")
	case k.ImageType == "":
		return fmt.Errorf("build key: missing image type")
	}
	return nil
}

// LockPath returns the build-level lock file for this key
func (k BuildKey) LockPath(root string) string {
	return filepath.Join(root, "etc",
		fmt.Sprintf("%s%s-%s-%s", BuildLockPrefix, k.Project, k.Series, k.ImageType))
}

// LogPath returns the pipeline log for this key and build date
func (k BuildKey) LogPath(root, date string) string {
	return filepath.Join(root, "log", k.Project, k.Series,
		fmt.Sprintf("%s-%s.log", k.ImageType, date))
}

// ScratchDir returns the build output tree for this key
func (k BuildKey) ScratchDir(root string) string {
	return filepath.Join(root, "scratch", k.Project, k.Series, k.ImageType)
}

// Layout resolves the well-known paths under a root directory
type Layout struct {
	Root string
}

// ArchiveSyncLock returns the shared mirror-sync lock path
func (l Layout) ArchiveSyncLock() string {
	return filepath.Join(l.Root, ArchiveSyncLock)
}

// Semaphore returns the semaphore counter path
func (l Layout) Semaphore() string {
	return filepath.Join(l.Root, SemaphorePath)
}

// NotifyAddresses returns the recipient table path
func (l Layout) NotifyAddresses() string {
	return filepath.Join(l.Root, NotifyAddresses)
}

// LocalPackages returns the local package archive directory
func (l Layout) LocalPackages() string {
	return filepath.Join(l.Root, LocalPackagesDir)
}

// LocalDatabase returns the directory holding generated local indices
func (l Layout) LocalDatabase() string {
	return filepath.Join(l.Root, LocalDatabaseDir)
}

// BritneyUpdateOut returns the britney update tool's build directory
func (l Layout) BritneyUpdateOut() string {
	return filepath.Join(l.Root, BritneyUpdateOut)
}

// DebianCD returns the image assembly tool's directory
func (l Layout) DebianCD() string {
	return filepath.Join(l.Root, DebianCDDir)
}

// BuildLocks returns a glob matching every build-level lock
func (l Layout) BuildLocks() string {
	return filepath.Join(l.Root, "etc", BuildLockPrefix+"*")
}
