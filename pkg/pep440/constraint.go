package pep440

import (
	"regexp"
	"strings"

	"github.com/pyflow-dev/pyflow/pkg/errors"
)

// Op is a constraint operator.
type Op string

// Constraint operators. Caret is the poetry/cargo-style operator; it is not
// part of PEP 440 but appears throughout pyproject manifests.
const (
	OpExact      Op = "=="
	OpNotEqual   Op = "!="
	OpLess       Op = "<"
	OpLessEq     Op = "<="
	OpGreater    Op = ">"
	OpGreaterEq  Op = ">="
	OpCompatible Op = "~="
	OpCaret      Op = "^"
	OpArbitrary  Op = "==="
)

// Constraint is a single version predicate, e.g. ">=1.4" or "==1.4.*".
type Constraint struct {
	Op       Op
	Version  Version
	Wildcard bool // the operand ended in ".*", or was a bare "*"
	// Components counts the release numbers the user actually wrote.
	// "~=" and "^" derive their ceiling from it.
	Components int
	// Raw preserves the operand verbatim for "===" string comparison.
	Raw string
}

var constraintRe = regexp.MustCompile(`^(===|==|~=|!=|<=|>=|<|>|\^|~)?\s*(.+)$`)

// ParseConstraint parses one constraint. A bare version (no operator) is an
// exact pin, matching how manifests spell `requests = "2.21.0"`. A bare "*"
// matches every version.
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Constraint{}, errors.New(errors.ErrCodeInvalidConstraint, "empty constraint")
	}
	if s == "*" {
		return Constraint{Op: OpExact, Wildcard: true, Raw: s}, nil
	}

	m := constraintRe.FindStringSubmatch(s)
	if m == nil {
		return Constraint{}, errors.New(errors.ErrCodeInvalidConstraint, "invalid constraint: %q", s)
	}
	op := Op(m[1])
	switch op {
	case "":
		op = OpExact
	case "~":
		op = OpCompatible
	}
	operand := strings.TrimSpace(m[2])

	if op == OpArbitrary {
		return Constraint{Op: op, Raw: operand}, nil
	}

	c := Constraint{Op: op, Raw: operand}
	if strings.HasSuffix(operand, ".*") || operand == "*" {
		if op != OpExact && op != OpNotEqual {
			return Constraint{}, errors.New(errors.ErrCodeInvalidConstraint,
				"wildcard only valid with == or !=: %q", s)
		}
		c.Wildcard = true
		operand = strings.TrimSuffix(operand, ".*")
		operand = strings.TrimSuffix(operand, "*") // bare "*" after an operator
		if operand == "" {
			return c, nil
		}
	}

	v, err := ParseVersion(operand)
	if err != nil {
		return Constraint{}, errors.New(errors.ErrCodeInvalidConstraint, "invalid constraint: %q", s)
	}
	c.Version = v
	c.Components = len(v.Release)

	if op == OpCompatible && c.Components < 2 && !c.Wildcard {
		return Constraint{}, errors.New(errors.ErrCodeInvalidConstraint,
			"~= requires at least two release components: %q", s)
	}
	return c, nil
}

// Matches reports whether version v satisfies the constraint. Local
// version components never participate in public comparisons, so they are
// stripped from the candidate first (except under "===").
func (c Constraint) Matches(v Version) bool {
	if c.Op == OpArbitrary {
		return v.String() == c.Raw
	}
	pub := v.Public()

	if c.Wildcard {
		ok := c.prefixMatches(pub)
		if c.Op == OpNotEqual {
			return !ok
		}
		return ok
	}

	cmp := pub.Compare(c.Version)
	switch c.Op {
	case OpExact:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpLess:
		return cmp < 0
	case OpLessEq:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterEq:
		return cmp >= 0
	case OpCompatible:
		// ~=X.Y[.Z] means >= X.Y[.Z] and ==X[.Y].* on the prefix.
		return cmp >= 0 && c.releasePrefixMatches(pub, c.Components-1)
	case OpCaret:
		return cmp >= 0 && pub.Less(c.caretCeiling())
	default:
		return false
	}
}

// prefixMatches implements "==X.Y.*": epoch equal and the written release
// components equal. With no written components ("*") everything matches.
func (c Constraint) prefixMatches(v Version) bool {
	if len(c.Version.Release) == 0 {
		return true
	}
	return c.releasePrefixMatches(v, c.Components)
}

func (c Constraint) releasePrefixMatches(v Version, n int) bool {
	if v.Epoch != c.Version.Epoch {
		return false
	}
	for i := range n {
		if v.ReleaseComponent(i) != c.Version.ReleaseComponent(i) {
			return false
		}
	}
	return true
}

// caretCeiling bumps the leftmost non-zero release component: ^1.2.3 < 2.0,
// ^0.2.3 < 0.3, ^0.0.3 < 0.0.4.
func (c Constraint) caretCeiling() Version {
	rel := c.Version.Release
	i := 0
	for i < len(rel)-1 && rel[i] == 0 {
		i++
	}
	ceiling := make([]int, i+1)
	copy(ceiling, rel[:i+1])
	ceiling[i]++
	return Version{Epoch: c.Version.Epoch, Release: ceiling}
}

// String renders the constraint in pip style.
func (c Constraint) String() string {
	if c.Op == OpArbitrary {
		return string(c.Op) + c.Raw
	}
	if c.Wildcard {
		if len(c.Version.Release) == 0 {
			if c.Op == OpNotEqual {
				return "!=*"
			}
			return "*"
		}
		return string(c.Op) + c.Version.releaseString() + ".*"
	}
	return string(c.Op) + c.Version.String()
}

// ConstraintSet is a conjunction of constraints on one package.
type ConstraintSet []Constraint

// ParseConstraints parses a comma-separated constraint list, e.g.
// ">=2.7, !=3.0.*, <4".
func ParseConstraints(s string) (ConstraintSet, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return nil, nil
	}
	var set ConstraintSet
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c, err := ParseConstraint(part)
		if err != nil {
			return nil, err
		}
		set = append(set, c)
	}
	return set, nil
}

// Matches reports whether v satisfies every constraint in the set.
//
// Pre-release versions are rejected unless some constraint in the set
// itself names a pre-release; an empty set therefore admits every final
// release and no pre-release.
func (cs ConstraintSet) Matches(v Version) bool {
	if v.IsPrerelease() && !cs.AllowsPrerelease() {
		return false
	}
	for _, c := range cs {
		if !c.Matches(v) {
			return false
		}
	}
	return true
}

// AllowsPrerelease reports whether any constraint names a pre-release,
// opting the whole set in to pre-release candidates.
func (cs ConstraintSet) AllowsPrerelease() bool {
	for _, c := range cs {
		if c.Version.IsPrerelease() {
			return true
		}
	}
	return false
}

// Intersect combines two conjunctive sets. A version satisfies the result
// exactly when it satisfies both inputs. Duplicate predicates are dropped.
func Intersect(a, b ConstraintSet) ConstraintSet {
	out := make(ConstraintSet, 0, len(a)+len(b))
	seen := make(map[string]bool)
	for _, c := range append(append(ConstraintSet{}, a...), b...) {
		key := c.String()
		if !seen[key] {
			seen[key] = true
			out = append(out, c)
		}
	}
	return out
}

// String renders the set as a comma-separated list; an empty set is "*".
func (cs ConstraintSet) String() string {
	if len(cs) == 0 {
		return "*"
	}
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}
