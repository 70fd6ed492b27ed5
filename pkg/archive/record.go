// Package archive implements artifact acquisition and unpacking: verified
// downloads into the shared dependency cache, wheel extraction per PEP 427,
// sdist extraction with a build-to-wheel fallback, RECORD bookkeeping, and
// console-script shim generation.
package archive

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pyflow-dev/pyflow/pkg/errors"
)

// RecordEntry is one row of a dist-info RECORD file: a relative path, its
// hash ("sha256=<urlsafe base64, unpadded>"), and its size in bytes. The
// RECORD file itself is listed with empty hash and size.
type RecordEntry struct {
	Path string
	Hash string
	Size int64
}

// Record is the file manifest of one installed distribution. It is written
// at install time and consulted for uninstall.
type Record []RecordEntry

// ParseRecord reads RECORD content (CSV, three columns per row).
func ParseRecord(r io.Reader) (Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var rec Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeMalformedArchive, err, "malformed RECORD")
		}
		if len(row) == 0 || row[0] == "" {
			continue
		}
		entry := RecordEntry{Path: row[0]}
		if len(row) > 1 {
			entry.Hash = row[1]
		}
		if len(row) > 2 && row[2] != "" {
			size, err := strconv.ParseInt(row[2], 10, 64)
			if err != nil {
				return nil, errors.Wrap(errors.ErrCodeMalformedArchive, err, "malformed RECORD size for %s", row[0])
			}
			entry.Size = size
		}
		rec = append(rec, entry)
	}
	return rec, nil
}

// ReadRecordFile loads the RECORD file of an installed distribution.
func ReadRecordFile(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRecord(f)
}

// Write serializes the record in RECORD's CSV format.
func (r Record) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	for _, entry := range r {
		size := ""
		if entry.Hash != "" {
			size = strconv.FormatInt(entry.Size, 10)
		}
		if err := cw.Write([]string{entry.Path, entry.Hash, size}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the record to path.
func (r Record) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// HashFileEntry computes the RECORD entry for a file on disk, with Path set
// to relPath.
func HashFileEntry(file, relPath string) (RecordEntry, error) {
	f, err := os.Open(file)
	if err != nil {
		return RecordEntry{}, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return RecordEntry{}, err
	}
	return RecordEntry{
		Path: filepath.ToSlash(relPath),
		Hash: "sha256=" + base64.RawURLEncoding.EncodeToString(h.Sum(nil)),
		Size: size,
	}, nil
}

// Verify checks that every recorded file exists under root with the
// recorded size. Returns the paths that are missing or changed.
func (r Record) Verify(root string) []string {
	var bad []string
	for _, entry := range r {
		if entry.Hash == "" { // the RECORD row itself
			continue
		}
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(entry.Path)))
		if err != nil || info.Size() != entry.Size {
			bad = append(bad, entry.Path)
		}
	}
	return bad
}

// DistInfoDir returns the dist-info directory name for a distribution.
func DistInfoDir(name, version string) string {
	return fmt.Sprintf("%s-%s.dist-info", name, version)
}

// IsDistInfoDir reports whether a directory name looks like
// "<dist>-<version>.dist-info" and splits it.
func IsDistInfoDir(dir string) (name, version string, ok bool) {
	base := strings.TrimSuffix(dir, ".dist-info")
	if base == dir {
		return "", "", false
	}
	i := strings.LastIndex(base, "-")
	if i <= 0 || i == len(base)-1 {
		return "", "", false
	}
	return base[:i], base[i+1:], true
}
