package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pyflow-dev/pyflow/pkg/errors"
)

// BuildWheelFromSdist extracts a source distribution and builds a wheel
// from it with the given interpreter, returning the path of the built
// wheel inside workDir. It is the fallback used when no published wheel
// matches the interpreter's tags.
//
// The build shells out to `setup.py bdist_wheel`; `distutils.core` imports
// in setup.py are rewritten to `setuptools` first, since distutils cannot
// produce wheels. A failed build surfaces BUILD_FAILED with the build's
// stderr attached.
func BuildWheelFromSdist(ctx context.Context, sdistPath, workDir, python string) (string, error) {
	root, err := extractSdist(sdistPath, workDir)
	if err != nil {
		return "", err
	}

	if err := rewriteDistutils(filepath.Join(root, "setup.py")); err != nil {
		return "", errors.Wrap(errors.ErrCodeBuildFailed, err,
			"no usable setup.py in %s", filepath.Base(sdistPath))
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, python, "setup.py", "bdist_wheel")
	cmd.Dir = root
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.New(errors.ErrCodeBuildFailed,
			"building %s from source failed: %s", filepath.Base(sdistPath), strings.TrimSpace(stderr.String()))
	}

	distDir := filepath.Join(root, "dist")
	entries, err := os.ReadDir(distDir)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeBuildFailed, err,
			"build produced no dist directory; is the `wheel` package installed in the venv?")
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".whl") {
			return filepath.Join(distDir, entry.Name()), nil
		}
	}
	return "", errors.New(errors.ErrCodeBuildFailed, "build of %s produced no wheel", filepath.Base(sdistPath))
}

// extractSdist unpacks a .tar.gz (or .zip) sdist into workDir and returns
// the extracted source root.
func extractSdist(sdistPath, workDir string) (string, error) {
	base := filepath.Base(sdistPath)
	var rootName string
	switch {
	case strings.HasSuffix(base, ".tar.gz"):
		rootName = strings.TrimSuffix(base, ".tar.gz")
		if err := extractTarGz(sdistPath, workDir); err != nil {
			return "", err
		}
	case strings.HasSuffix(base, ".zip"):
		rootName = strings.TrimSuffix(base, ".zip")
		if err := extractZip(sdistPath, workDir); err != nil {
			return "", err
		}
	default:
		return "", errors.New(errors.ErrCodeMalformedArchive, "unsupported sdist format: %s", base)
	}

	root := filepath.Join(workDir, rootName)
	if _, err := os.Stat(root); err != nil {
		// Some sdists unpack to a directory that differs from the archive
		// name; fall back to the single directory we extracted.
		entries, rerr := os.ReadDir(workDir)
		if rerr != nil {
			return "", rerr
		}
		for _, entry := range entries {
			if entry.IsDir() {
				return filepath.Join(workDir, entry.Name()), nil
			}
		}
		return "", errors.New(errors.ErrCodeMalformedArchive, "sdist %s unpacked no source directory", base)
	}
	return root, nil
}

// ExtractTarGzInto unpacks a .tar.gz archive into dest. Used for managed
// interpreter builds as well as sdists.
func ExtractTarGzInto(archivePath, dest string) error {
	return extractTarGz(archivePath, dest)
}

func extractTarGz(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrap(errors.ErrCodeMalformedArchive, err, "reading %s", filepath.Base(archivePath))
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(errors.ErrCodeMalformedArchive, err, "reading %s", filepath.Base(archivePath))
		}
		name := filepath.ToSlash(hdr.Name)
		if strings.Contains(name, "..") {
			return errors.New(errors.ErrCodeMalformedArchive, "unsafe path in sdist: %s", name)
		}
		target := filepath.Join(dest, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errors.Wrap(errors.ErrCodeMalformedArchive, err, "extracting %s", name)
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

func extractZip(archivePath, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return errors.Wrap(errors.ErrCodeMalformedArchive, err, "opening %s", filepath.Base(archivePath))
	}
	defer zr.Close()

	for _, f := range zr.File {
		name := filepath.ToSlash(f.Name)
		if strings.Contains(name, "..") {
			return errors.New(errors.ErrCodeMalformedArchive, "unsafe path in archive: %s", name)
		}
		if strings.HasSuffix(name, "/") {
			continue
		}
		if err := extractZipFile(f, filepath.Join(dest, filepath.FromSlash(name))); err != nil {
			return err
		}
	}
	return nil
}

// rewriteDistutils replaces distutils.core imports with setuptools in
// setup.py; distutils cannot build wheels.
func rewriteDistutils(setupPath string) error {
	data, err := os.ReadFile(setupPath)
	if err != nil {
		return err
	}
	updated := strings.ReplaceAll(string(data), "distutils.core", "setuptools")
	if updated == string(data) {
		return nil
	}
	return os.WriteFile(setupPath, []byte(updated), 0o644)
}
