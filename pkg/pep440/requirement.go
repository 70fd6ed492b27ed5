package pep440

import (
	"regexp"
	"strings"

	"github.com/pyflow-dev/pyflow/pkg/errors"
)

// SourceKind identifies where a requirement is fetched from.
type SourceKind string

const (
	SourcePyPI SourceKind = "pypi"
	SourcePath SourceKind = "path"
	SourceGit  SourceKind = "git"
)

// Source describes a non-registry origin for a requirement.
type Source struct {
	Kind SourceKind
	Path string // local directory, for SourcePath
	URL  string // repository URL, for SourceGit
	Rev  string // branch, tag or commit, for SourceGit
}

// Requirement is a dependency declaration: a name, a conjunctive constraint
// set, optional extras, an optional environment marker, and a source.
type Requirement struct {
	Name        string // as written (original casing preserved)
	Constraints ConstraintSet
	Extras      []string // extras to enable on the dependency, e.g. requests[security]
	Marker      string   // raw PEP 508 marker text, empty when unconditional
	Source      Source
}

// Canonical returns the PEP 503 canonical form of the requirement name.
func (r Requirement) Canonical() string { return CanonicalName(r.Name) }

// String renders the requirement in pip style: name[extras] constraints ; marker.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteString("[" + strings.Join(r.Extras, ",") + "]")
	}
	if len(r.Constraints) > 0 {
		b.WriteString(" " + r.Constraints.String())
	}
	if r.Marker != "" {
		b.WriteString(" ; " + r.Marker)
	}
	return b.String()
}

// requirement grammar: name, optional [extras], optional constraint list
// (parenthesized or bare), optional ; marker. Covers both the warehouse's
// requires_dist strings and requirements.txt lines.
var reqRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)` + // name
	`\s*(?:\[([^\]]*)\])?` + // extras
	`\s*(?:\(([^)]*)\)|([^;]*?))?` + // constraints
	`\s*(?:;\s*(.+))?$`) // marker

// ParseRequirement parses a requirement specifier such as
// "urllib3 (!=1.25.0,<1.26)", "Django>=2.22" or
// "pywin32 >=1.0 ; sys_platform == 'win32'".
func ParseRequirement(s string) (Requirement, error) {
	m := reqRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || m[1] == "" {
		return Requirement{}, errors.New(errors.ErrCodeInvalidRequirement, "invalid requirement: %q", s)
	}

	req := Requirement{Name: m[1], Source: Source{Kind: SourcePyPI}}
	if m[2] != "" {
		for _, e := range strings.Split(m[2], ",") {
			if e = strings.TrimSpace(e); e != "" {
				req.Extras = append(req.Extras, e)
			}
		}
	}

	constraintText := m[3]
	if constraintText == "" {
		constraintText = m[4]
	}
	if c := strings.TrimSpace(constraintText); c != "" {
		set, err := ParseConstraints(c)
		if err != nil {
			return Requirement{}, errors.Wrap(errors.ErrCodeInvalidRequirement, err,
				"invalid requirement: %q", s)
		}
		req.Constraints = set
	}

	req.Marker = strings.TrimSpace(m[5])
	return req, nil
}

// NewRequirement builds an unconditional PyPI requirement from a name and a
// pre-parsed constraint set.
func NewRequirement(name string, constraints ConstraintSet) Requirement {
	return Requirement{Name: name, Constraints: constraints, Source: Source{Kind: SourcePyPI}}
}
