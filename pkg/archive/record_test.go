package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	in := strings.Join([]string{
		"toolz/__init__.py,sha256=47DEQpj8HBSa-_TImW-5JCeuQeRkm5NMpJWZG3hSuFU,42",
		"toolz-0.10.0.dist-info/METADATA,sha256=abcdefgh,120",
		"toolz-0.10.0.dist-info/RECORD,,",
	}, "\n")

	rec, err := ParseRecord(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if len(rec) != 3 {
		t.Fatalf("parsed %d entries, want 3", len(rec))
	}
	if rec[0].Size != 42 || rec[0].Path != "toolz/__init__.py" {
		t.Errorf("entry 0 = %+v", rec[0])
	}
	if rec[2].Hash != "" || rec[2].Size != 0 {
		t.Errorf("RECORD row should carry no hash/size: %+v", rec[2])
	}

	var buf bytes.Buffer
	if err := rec.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	again, err := ParseRecord(&buf)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(again) != 3 || again[0] != rec[0] || again[2] != rec[2] {
		t.Errorf("round trip mismatch: %+v", again)
	}
}

func TestHashFileEntry(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "mod.py")
	if err := os.WriteFile(file, []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	entry, err := HashFileEntry(file, "pkg/mod.py")
	if err != nil {
		t.Fatalf("HashFileEntry: %v", err)
	}
	if entry.Path != "pkg/mod.py" {
		t.Errorf("Path = %q", entry.Path)
	}
	if entry.Size != 12 {
		t.Errorf("Size = %d, want 12", entry.Size)
	}
	if !strings.HasPrefix(entry.Hash, "sha256=") {
		t.Fatalf("Hash = %q, want sha256= prefix", entry.Hash)
	}
	if b64 := strings.TrimPrefix(entry.Hash, "sha256="); strings.ContainsAny(b64, "+/=") {
		t.Errorf("Hash %q should use unpadded urlsafe base64", entry.Hash)
	}
}

func TestRecordVerify(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ok.py")
	if err := os.WriteFile(file, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	entry, err := HashFileEntry(file, "ok.py")
	if err != nil {
		t.Fatal(err)
	}

	rec := Record{entry, {Path: "missing.py", Hash: "sha256=zzzz", Size: 10}, {Path: "RECORD"}}
	bad := rec.Verify(dir)
	if len(bad) != 1 || bad[0] != "missing.py" {
		t.Errorf("Verify = %v, want [missing.py]", bad)
	}
}

func TestDistInfoDirNames(t *testing.T) {
	if got := DistInfoDir("requests", "2.22.0"); got != "requests-2.22.0.dist-info" {
		t.Errorf("DistInfoDir = %q", got)
	}

	name, version, ok := IsDistInfoDir("requests-2.22.0.dist-info")
	if !ok || name != "requests" || version != "2.22.0" {
		t.Errorf("IsDistInfoDir = %q %q %v", name, version, ok)
	}
	if _, _, ok := IsDistInfoDir("requests"); ok {
		t.Error("plain directory is not dist-info")
	}
	if _, _, ok := IsDistInfoDir("nodash.dist-info"); ok {
		t.Error("dist-info without a version separator should not parse")
	}
}
