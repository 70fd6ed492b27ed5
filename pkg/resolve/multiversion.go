package resolve

import (
	"sort"

	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
)

// fanOut converts a single-resolution package whose accumulated constraints
// became unsatisfiable into a set of aliased sibling nodes, one per
// partition of its requirers.
//
// Requirers are partitioned by the best version their own constraints
// admit: every requirer compatible with the same version shares one
// sibling. Each sibling is installed under "name_<version_slug>" and the
// install executor later rewrites the requirers' imports to that alias.
func (s *session) fanOut(name string) error {
	items := s.requirers[name]

	groups := make(map[string][]workItem) // version string -> requirers
	versions := make(map[string]pep440.Version)
	for _, item := range items {
		version, err := s.bestCandidate(name, item.req.Constraints)
		if err != nil {
			if errors.Is(err, errors.ErrCodeUnresolvable) {
				return errors.New(errors.ErrCodeUnresolvable,
					"conflicting requirements for %s: %s", name, fmtConflict(items))
			}
			return err
		}
		key := version.String()
		groups[key] = append(groups[key], item)
		versions[key] = version
	}

	s.logf("installing %d versions of %s side by side", len(groups), name)

	delete(s.nodes, name)
	delete(s.constraints, name)

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var siblings []*Node
	for _, key := range keys {
		version := versions[key]
		node := &Node{
			Name:          name,
			Version:       version,
			InstalledName: name + "_" + version.Slug(),
		}
		for _, item := range groups[key] {
			node.Parents = appendUnique(node.Parents, item.parent)
		}
		siblings = append(siblings, node)
	}
	s.split[name] = siblings

	for _, node := range siblings {
		if err := s.enqueueDeps(node); err != nil {
			return err
		}
	}
	return nil
}

// attachToSplit routes a new requirement for an already-split package to a
// compatible sibling, growing a new partition when none fits.
func (s *session) attachToSplit(name string, siblings []*Node, item workItem) error {
	for _, node := range siblings {
		if item.req.Constraints.Matches(node.Version) ||
			(len(item.req.Constraints) == 0 && !node.Version.IsPrerelease()) {
			node.Parents = appendUnique(node.Parents, item.parent)
			return nil
		}
	}

	version, err := s.bestCandidate(name, item.req.Constraints)
	if err != nil {
		if errors.Is(err, errors.ErrCodeUnresolvable) {
			return errors.New(errors.ErrCodeUnresolvable,
				"conflicting requirements for %s: %s", name, fmtConflict(s.requirers[name]))
		}
		return err
	}
	node := &Node{
		Name:          name,
		Version:       version,
		InstalledName: name + "_" + version.Slug(),
		Parents:       []string{item.parent},
	}
	s.split[name] = append(siblings, node)
	return s.enqueueDeps(node)
}
