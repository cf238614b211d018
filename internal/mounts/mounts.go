// Package mounts abstracts where the program's runnable sql files live: the
// copy embedded in the binary, or a directory on disk when operators want to
// edit the files without rebuilding. In either case the files are presented
// as an fs.FS mounted at the same level, which does not happen by default
// for embedded filesystems.
package mounts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileMount is a mount backed by either an embedded fs.FS or a directory.
type FileMount struct {
	MountName string
	fs.FS
}

// String describes a FileMount as an indented file and directory listing.
func (fm FileMount) String() string {
	o := fmt.Sprintf("fileMount %q:\n", fm.MountName)
	s, _ := PrintFS(fm.FS)
	return o + s
}

// ErrInvalidPath reports an invalid mount name.
type ErrInvalidPath struct {
	mountName string
}

// Error fulfills the error interface requirement for ErrInvalidPath.
func (e ErrInvalidPath) Error() string {
	return fmt.Sprintf(
		"mount name %q is not a valid fs.ValidPath path, see https://pkg.go.dev/io/fs#ValidPath",
		e.mountName,
	)
}

// NewFileMount mounts either the embedded fs or, when dirPath is non-empty,
// that directory. The mountName is the subdirectory the embedded fs was
// declared with, so that an embedded fs such as
//
//	//go:embed sql
//	var sqlFS embed.FS
//
// mounted with NewFileMount("sql", sqlFS, "") serves its files at the root
// of the returned fs, matching a directory mount of the same files.
func NewFileMount(mountName string, embeddedFS fs.FS, dirPath string) (*FileMount, error) {

	if mountName == "" {
		return nil, errors.New("no mount name provided for new file mount")
	}
	if !fs.ValidPath(mountName) {
		return nil, ErrInvalidPath{mountName}
	}

	// If a directory is not provided, use the embedded fs, sub-mounted at
	// MountName to strip the declaration prefix.
	if dirPath == "" {
		subFS, err := fs.Sub(embeddedFS, mountName)
		if err != nil {
			return nil, fmt.Errorf("could not sub-mount embedded fs at %q: %v", mountName, err)
		}
		return &FileMount{
			mountName,
			subFS,
		}, nil
	}

	s, err := os.Stat(dirPath)
	if err != nil {
		return nil, fmt.Errorf("new mount at %q error: %s", dirPath, err)
	}
	if !s.IsDir() {
		return nil, fmt.Errorf("new mount at %q is not a directory", dirPath)
	}

	return &FileMount{
		mountName,
		os.DirFS(dirPath),
	}, nil
}

// Materialize writes the mount's contents recursively to the filesystem at
// root plus the mount name, letting operators extract the embedded sql files
// for inspection or direct use on the sqlite command line. Root must be an
// existing directory and the constructed output path must not already exist.
func (fm *FileMount) Materialize(root string) error {

	s, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("materialize root %q invalid: %v", root, err)
	}
	if !s.IsDir() {
		return fmt.Errorf("materialize root %q is not a directory", root)
	}

	// MountName may be a composite path, hence MkdirAll.
	mountRoot := filepath.Join(root, fm.MountName)
	if _, err := os.Stat(mountRoot); !os.IsNotExist(err) {
		return fmt.Errorf("materialization path %q already exists", mountRoot)
	}
	if err := os.MkdirAll(mountRoot, 0755); err != nil {
		return fmt.Errorf("could not create mount root %q: %v", mountRoot, err)
	}

	return fs.WalkDir(fm.FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		fullPath := filepath.Join(mountRoot, path)

		if d.IsDir() {
			if err := os.MkdirAll(fullPath, 0755); err != nil {
				return fmt.Errorf("could not make dir %q, %v", fullPath, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		data, err := fs.ReadFile(fm.FS, path)
		if err != nil {
			return fmt.Errorf("could not read %q from mount %s: %v", path, fm.MountName, err)
		}
		if err := os.WriteFile(fullPath, data, 0644); err != nil {
			return fmt.Errorf("could not write %q at %q from mount %s: %v", path, fullPath, fm.MountName, err)
		}
		return nil
	})
}

// PrintFS makes structured print output from an fs.FS.
func PrintFS(thisFS fs.FS) (string, error) {
	var printOutput strings.Builder
	var topSeen bool
	tpl := "%s[%s] %s%s (%s)\n"

	err := fs.WalkDir(thisFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !topSeen { // verbatim root as "[d] ./ (./)"
			if _, err := printOutput.WriteString(fmt.Sprintf(tpl, "\n", "d", ".", "/", ".")); err != nil {
				return fmt.Errorf("printOutput error: %v", err)
			}
			topSeen = true
			return nil
		}
		depth := strings.Count(path, string(os.PathSeparator))
		indent := strings.Repeat("  ", depth)
		typer := "f"
		slash := " "
		if d.IsDir() {
			slash = string(os.PathSeparator)
			typer = "d"
		}
		_, err = printOutput.WriteString(fmt.Sprintf(tpl, indent, typer, d.Name(), slash, path))
		return err
	})
	return printOutput.String(), err
}
