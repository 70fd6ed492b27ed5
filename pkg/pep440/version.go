// Package pep440 implements PEP 440 version identifiers, constraint
// specifiers, and requirement parsing. Versions carry an optional epoch, a
// release segment of arbitrary length, and optional pre/post/dev/local
// suffixes; the package defines a total order over them and predicates for
// the constraint operators used in manifests and registry metadata
// (==, !=, <, <=, >, >=, ~=, ^, ===, wildcards).
//
// Package names are canonicalized per PEP 503: lowercase with runs of
// ".", "-" and "_" collapsed to a single "-". All lookups in the resolver
// and installer key on canonical names.
package pep440

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pyflow-dev/pyflow/pkg/errors"
)

// Pre-release phases, in ascending order.
const (
	PhaseAlpha = "a"
	PhaseBeta  = "b"
	PhaseRC    = "rc"
)

// PreRelease is the pre-release component of a version, e.g. "rc1".
type PreRelease struct {
	Phase  string // "a", "b" or "rc"
	Number int
}

// Version is a parsed PEP 440 version identifier.
//
// The zero value is version 0. Local versions compare after their public
// counterpart but never satisfy constraints on the public component.
type Version struct {
	Epoch   int
	Release []int
	Pre     *PreRelease
	Post    *int
	Dev     *int
	Local   string
}

// version grammar, tolerant of the spellings seen in the wild:
// optional "v" prefix, epoch "N!", dotted release, pre/post/dev with
// ".", "-", "_" or no separator, and "+local".
var versionRe = regexp.MustCompile(`(?i)^v?` +
	`(?:(\d+)!)?` + // epoch
	`(\d+(?:\.\d+)*)` + // release
	`(?:[-_.]?(a|b|c|rc|alpha|beta|pre|preview)[-_.]?(\d*))?` + // pre
	`(?:(?:-(\d+))|(?:[-_.]?(post|rev|r)[-_.]?(\d*)))?` + // post
	`(?:[-_.]?(dev)[-_.]?(\d*))?` + // dev
	`(?:\+([a-z0-9]+(?:[-_.][a-z0-9]+)*))?$`) // local

// ParseVersion parses a PEP 440 version identifier.
func ParseVersion(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, errors.New(errors.ErrCodeInvalidVersion, "invalid version: %q", s)
	}

	var v Version
	if m[1] != "" {
		v.Epoch, _ = strconv.Atoi(m[1])
	}
	for _, part := range strings.Split(m[2], ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return Version{}, errors.New(errors.ErrCodeInvalidVersion, "invalid version: %q", s)
		}
		v.Release = append(v.Release, n)
	}
	if m[3] != "" {
		v.Pre = &PreRelease{Phase: normalizePhase(m[3]), Number: atoiDefault(m[4])}
	}
	if m[5] != "" { // implicit post: "1.0-2"
		n := atoiDefault(m[5])
		v.Post = &n
	} else if m[6] != "" {
		n := atoiDefault(m[7])
		v.Post = &n
	}
	if m[8] != "" {
		n := atoiDefault(m[9])
		v.Dev = &n
	}
	if m[10] != "" {
		v.Local = strings.ToLower(strings.NewReplacer("-", ".", "_", ".").Replace(m[10]))
	}
	return v, nil
}

// MustVersion parses s and panics on failure. For tests and constants.
func MustVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func normalizePhase(p string) string {
	switch strings.ToLower(p) {
	case "a", "alpha":
		return PhaseAlpha
	case "b", "beta":
		return PhaseBeta
	default: // c, rc, pre, preview
		return PhaseRC
	}
}

func atoiDefault(s string) int {
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}

// String renders the canonical form: [N!]X.Y.Z[{a|b|rc}N][.postN][.devN][+local].
func (v Version) String() string {
	var b strings.Builder
	if v.Epoch > 0 {
		fmt.Fprintf(&b, "%d!", v.Epoch)
	}
	b.WriteString(v.releaseString())
	if v.Pre != nil {
		fmt.Fprintf(&b, "%s%d", v.Pre.Phase, v.Pre.Number)
	}
	if v.Post != nil {
		fmt.Fprintf(&b, ".post%d", *v.Post)
	}
	if v.Dev != nil {
		fmt.Fprintf(&b, ".dev%d", *v.Dev)
	}
	if v.Local != "" {
		fmt.Fprintf(&b, "+%s", v.Local)
	}
	return b.String()
}

func (v Version) releaseString() string {
	if len(v.Release) == 0 {
		return "0"
	}
	parts := make([]string, len(v.Release))
	for i, n := range v.Release {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// Slug renders the version for use in a multi-version installed name:
// dots replaced with underscores, e.g. "2.0.0" → "2_0_0".
func (v Version) Slug() string {
	return strings.NewReplacer(".", "_", "!", "_", "+", "_").Replace(v.String())
}

// IsPrerelease reports whether the version carries a pre-release or dev
// component.
func (v Version) IsPrerelease() bool {
	return v.Pre != nil || v.Dev != nil
}

// Public returns the version without its local component.
func (v Version) Public() Version {
	v.Local = ""
	return v
}

// ReleaseComponent returns the nth release number, zero-padded beyond the
// specified length.
func (v Version) ReleaseComponent(n int) int {
	if n < len(v.Release) {
		return v.Release[n]
	}
	return 0
}

// Compare returns -1, 0 or +1 ordering v against other per PEP 440.
//
// Ordering within one release segment: dev < pre-releases < the release
// itself < post-releases; local versions sort immediately after their
// public counterpart.
func (v Version) Compare(other Version) int {
	if v.Epoch != other.Epoch {
		return cmpInt(v.Epoch, other.Epoch)
	}
	n := max(len(v.Release), len(other.Release))
	for i := range n {
		if c := cmpInt(v.ReleaseComponent(i), other.ReleaseComponent(i)); c != 0 {
			return c
		}
	}
	if c := cmpPre(v, other); c != 0 {
		return c
	}
	if c := cmpOptional(v.Post, other.Post, -1); c != 0 {
		return c
	}
	if c := cmpOptional(v.Dev, other.Dev, +1); c != 0 {
		return c
	}
	return cmpLocal(v.Local, other.Local)
}

// Equal reports exact equality of all fields, via the total order.
func (v Version) Equal(other Version) bool { return v.Compare(other) == 0 }

// Less reports whether v orders before other.
func (v Version) Less(other Version) bool { return v.Compare(other) < 0 }

// preKey encodes the pre-release field for comparison. A version with only
// a dev marker sorts below any pre-release; a version without pre sorts
// above all pre-releases.
func (v Version) preKey() (rank int, phase string, num int) {
	switch {
	case v.Pre == nil && v.Post == nil && v.Dev != nil:
		return -1, "", 0 // 1.0.dev1 < 1.0a1
	case v.Pre == nil:
		return 1, "", 0 // 1.0 > 1.0rc1
	default:
		return 0, v.Pre.Phase, v.Pre.Number
	}
}

func cmpPre(a, b Version) int {
	aRank, aPhase, aNum := a.preKey()
	bRank, bPhase, bNum := b.preKey()
	if aRank != bRank {
		return cmpInt(aRank, bRank)
	}
	if aPhase != bPhase {
		return strings.Compare(aPhase, bPhase) // a < b < rc
	}
	return cmpInt(aNum, bNum)
}

// cmpOptional orders two optional ints where absence ranks according to
// missingRank: -1 when a missing value sorts lowest (post), +1 when a
// missing value sorts highest (dev).
func cmpOptional(a, b *int, missingRank int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return missingRank
	case b == nil:
		return -missingRank
	default:
		return cmpInt(*a, *b)
	}
}

func cmpLocal(a, b string) int {
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

var canonicalRe = regexp.MustCompile(`[-_.]+`)

// CanonicalName normalizes a project name per PEP 503: lowercase, with
// runs of ".", "-", "_" collapsed to "-".
func CanonicalName(name string) string {
	return strings.ToLower(canonicalRe.ReplaceAllString(name, "-"))
}

// SortVersions orders versions ascending, in place.
func SortVersions(vs []Version) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].Less(vs[j]) })
}

// SortVersionsDesc orders versions highest-first, in place. The resolver
// relies on this to make candidate selection deterministic regardless of
// oracle enumeration order.
func SortVersionsDesc(vs []Version) {
	sort.Slice(vs, func(i, j int) bool { return vs[j].Less(vs[i]) })
}
