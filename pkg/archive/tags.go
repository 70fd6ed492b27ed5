package archive

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/pyflow-dev/pyflow/pkg/pep440"
	"github.com/pyflow-dev/pyflow/pkg/pypi"
)

// Platform describes the target interpreter for wheel selection.
type Platform struct {
	PythonVersion pep440.Version // interpreter version, e.g. 3.7.4
	OS            string         // GOOS-style: "linux", "darwin", "windows"
	Arch          string         // GOARCH-style: "amd64", "arm64", "386"
}

// HostPlatform returns the Platform for the current machine and the given
// interpreter version.
func HostPlatform(pyVersion pep440.Version) Platform {
	return Platform{PythonVersion: pyVersion, OS: runtime.GOOS, Arch: runtime.GOARCH}
}

// Wheel preference scores, highest first: an exact platform-tag match
// beats a compatible-abi build, which beats a pure-python wheel.
const (
	scorePlatformExact = 3
	scoreABICompatible = 2
	scorePure          = 1
)

// SelectWheel picks the best matching wheel for the platform, or nil when
// none is compatible (the caller then falls back to the sdist).
func SelectWheel(wheels []pypi.WheelInfo, p Platform) *pypi.WheelInfo {
	best := -1
	var chosen *pypi.WheelInfo
	for i := range wheels {
		w := &wheels[i]
		score := scoreWheel(w, p)
		if score > best {
			best = score
			chosen = w
		}
	}
	if best < 0 {
		return nil
	}
	return chosen
}

func scoreWheel(w *pypi.WheelInfo, p Platform) int {
	if !pythonTagMatches(w.PythonTag, p.PythonVersion) {
		return -1
	}

	switch {
	case platformTagMatches(w.PlatformTag, p):
		if abiTagMatches(w.ABITag, p.PythonVersion) {
			return scorePlatformExact
		}
		return -1
	case w.PlatformTag == "any":
		if w.ABITag == "none" {
			return scorePure
		}
		if abiTagMatches(w.ABITag, p.PythonVersion) {
			return scoreABICompatible
		}
	}
	return -1
}

// pythonTagMatches accepts "py3", "py2.py3", "py3X" and "cp3X" tags against
// a CPython 3.X interpreter. Compound tags ("py2.py3", "cp35.cp36") match
// when any part does.
func pythonTagMatches(tag string, py pep440.Version) bool {
	for _, part := range strings.Split(tag, ".") {
		if singlePythonTagMatches(part, py) {
			return true
		}
	}
	return false
}

func singlePythonTagMatches(tag string, py pep440.Version) bool {
	major := py.ReleaseComponent(0)
	minor := py.ReleaseComponent(1)
	switch {
	case tag == "any":
		return true
	case tag == fmt.Sprintf("py%d", major):
		return true
	case tag == fmt.Sprintf("py%d%d", major, minor) || tag == fmt.Sprintf("cp%d%d", major, minor):
		return true
	case strings.HasPrefix(tag, "cp") || strings.HasPrefix(tag, "py"):
		return false
	default:
		return false
	}
}

// abiTagMatches accepts "none", "abi3" and the interpreter's own ABI
// ("cp37m", "cp37").
func abiTagMatches(tag string, py pep440.Version) bool {
	if tag == "none" || tag == "abi3" {
		return true
	}
	own := fmt.Sprintf("cp%d%d", py.ReleaseComponent(0), py.ReleaseComponent(1))
	return tag == own || tag == own+"m"
}

// platformTagMatches accepts the platform-specific tags usable on the
// target. manylinux tags (including manylinux2014) are accepted on 64-bit
// Linux.
func platformTagMatches(tag string, p Platform) bool {
	switch p.OS {
	case "linux":
		if p.Arch == "amd64" {
			return tag == "linux_x86_64" ||
				strings.HasPrefix(tag, "manylinux") && strings.HasSuffix(tag, "_x86_64")
		}
		if p.Arch == "arm64" {
			return tag == "linux_aarch64" ||
				strings.HasPrefix(tag, "manylinux") && strings.HasSuffix(tag, "_aarch64")
		}
	case "darwin":
		return strings.HasPrefix(tag, "macosx")
	case "windows":
		switch p.Arch {
		case "amd64":
			return tag == "win_amd64"
		case "386":
			return tag == "win32"
		}
	}
	return false
}
