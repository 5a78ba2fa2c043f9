package conventions

import (
	"path/filepath"
	"strings"
)

const (
	// DefaultSystemPath is the default location of the system-wide installation.
	DefaultSystemPath = "/var/lib/flatpak"
	// DefaultUserDataDir is the default per-user installation directory (relative to home).
	DefaultUserDataDir = ".local/share/flatpak"
	// DefaultConfigDir is the default directory holding custom installation descriptors.
	DefaultConfigDir = "/etc/pkgworker/installations.d"

	// Installation-level files.

	// DatabaseFile is the filename of the installation store database.
	DatabaseFile = "installation.db"
	// DeployDir is the subdirectory where ref payloads are deployed.
	DeployDir = "deploy"
	// AppstreamDir is the subdirectory for the per remote application metadata cache.
	AppstreamDir = "appstream"
	// AppstreamFile is the filename of a cached remote application metadata.
	AppstreamFile = "appstream.yaml"

	// Remote-level files.

	// CatalogFile is the filename of the catalog every remote serves at its root.
	CatalogFile = "catalog.yaml"
)

// DatabasePath returns the path to the store database of an installation.
func DatabasePath(installationPath string) string {
	return filepath.Join(installationPath, DatabaseFile)
}

// DeployPath returns the directory where a ref is deployed inside an installation.
func DeployPath(installationPath, ref string) string {
	return filepath.Join(installationPath, DeployDir, filepath.FromSlash(sanitizeRef(ref)))
}

// AppstreamPath returns the cached application metadata file of a remote.
func AppstreamPath(installationPath, remote string) string {
	return filepath.Join(installationPath, AppstreamDir, remote, AppstreamFile)
}

// UserPath returns the per-user installation path for a home directory.
func UserPath(home string) string {
	return filepath.Join(home, DefaultUserDataDir)
}

// sanitizeRef drops path traversal elements from a ref.
func sanitizeRef(ref string) string {
	parts := strings.Split(ref, "/")
	clean := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		clean = append(clean, p)
	}
	return strings.Join(clean, "/")
}
