//go:build linux || darwin

package pep508

import "golang.org/x/sys/unix"

// platformRelease reports the kernel release the way CPython's
// platform.release() does, e.g. "5.4.0-120-generic" on Linux or "21.6.0"
// on macOS.
func platformRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	release := uts.Release[:]
	for i, c := range release {
		if c == 0 {
			release = release[:i]
			break
		}
	}
	return string(release)
}
