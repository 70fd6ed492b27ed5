// Package resolve builds a lockable set of (package, version) pairs from a
// set of top-level requirements, an oracle, and the target interpreter's
// marker environment.
//
// The algorithm is layered greedy with fan-out on conflict: each
// requirement is pinned to the highest version satisfying all constraints
// accumulated so far, and when constraints on one package become mutually
// unsatisfiable the requirers are partitioned so that multiple versions of
// the package can coexist under aliased installed names. There is no
// backtracking search; failure modes surface as errors rather than being
// hidden by deep exploration.
package resolve

import (
	"context"
	"fmt"
	"sort"

	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
	"github.com/pyflow-dev/pyflow/pkg/pep508"
)

// Oracle supplies the package metadata the resolver consumes. *pypi.Client
// implements it; tests substitute fixtures.
type Oracle interface {
	// AvailableVersions lists the known versions of name, highest first.
	AvailableVersions(ctx context.Context, name string) ([]pep440.Version, error)
	// Dependencies returns the requirements of (name, version).
	Dependencies(ctx context.Context, name string, v pep440.Version) ([]pep440.Requirement, error)
	// RequiresPython returns the interpreter constraint of (name, version);
	// nil when the release declares none.
	RequiresPython(ctx context.Context, name string, v pep440.Version) (pep440.ConstraintSet, error)
}

// Node is one resolved package. InstalledName equals Name except for
// multi-version siblings, which carry a "name_1_2_3" alias.
type Node struct {
	Name          string // canonical package name
	Version       pep440.Version
	InstalledName string
	Parents       []string // installed names of requirers; "" marks a top-level root
	Dependencies  []DepRef
}

// DepRef points a resolved node at one of its resolved dependencies.
type DepRef struct {
	Name          string // canonical name
	InstalledName string
	Version       pep440.Version
}

// Aliased reports whether the node is a multi-version sibling.
func (n *Node) Aliased() bool { return n.InstalledName != n.Name }

// Resolution is the output of a resolver run: the full set of nodes,
// sorted by installed name for deterministic serialization.
type Resolution struct {
	Nodes []*Node
}

// Node returns the resolved node with the given installed name.
func (r *Resolution) Node(installedName string) (*Node, bool) {
	for _, n := range r.Nodes {
		if n.InstalledName == installedName {
			return n, true
		}
	}
	return nil, false
}

// Resolver holds the per-run state of one resolution session.
type Resolver struct {
	oracle    Oracle
	env       pep508.Environment
	pyVersion pep440.Version
	preferred map[string]pep440.Version // lock hints, keyed by canonical name
	logf      func(string, ...any)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPreferred seeds the resolver with version hints from an existing
// lock. A hinted version that satisfies the accumulated constraints is
// chosen without consulting the full version listing, keeping resolution
// stable even when newer versions exist.
func WithPreferred(pins map[string]pep440.Version) Option {
	return func(r *Resolver) { r.preferred = pins }
}

// WithLogger sets a progress/warning callback.
func WithLogger(logf func(string, ...any)) Option {
	return func(r *Resolver) { r.logf = logf }
}

// New creates a Resolver for the interpreter described by env and
// pyVersion (the full interpreter version, used for requires_python).
func New(oracle Oracle, env pep508.Environment, pyVersion pep440.Version, opts ...Option) *Resolver {
	r := &Resolver{
		oracle:    oracle,
		env:       env,
		pyVersion: pyVersion,
		logf:      func(string, ...any) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// workItem is one queued requirement with the context it arrived in.
type workItem struct {
	req    pep440.Requirement
	parent string // installed name of the requirer; "" for top level
}

// session is the mutable state of one Resolve call.
type session struct {
	*Resolver
	ctx context.Context

	queue []workItem
	// constraints accumulated per canonical name, across all requirers.
	constraints map[string]pep440.ConstraintSet
	// requirers remembers each (parent, constraint set) pair per name so
	// that conflict fan-out can partition them.
	requirers map[string][]workItem
	// nodes holds the single resolution per name until a fan-out replaces
	// it with aliased siblings in split.
	nodes map[string]*Node
	split map[string][]*Node
	// extras requested for a package, merged across requirers.
	extras map[string]map[string]bool
}

// Resolve runs the session and returns the resolved node set.
func (r *Resolver) Resolve(ctx context.Context, reqs []pep440.Requirement) (*Resolution, error) {
	s := &session{
		Resolver:    r,
		ctx:         ctx,
		constraints: make(map[string]pep440.ConstraintSet),
		requirers:   make(map[string][]workItem),
		nodes:       make(map[string]*Node),
		split:       make(map[string][]*Node),
		extras:      make(map[string]map[string]bool),
	}

	for _, req := range reqs {
		ok, err := s.markerTrue(req.Marker, nil)
		if err != nil {
			return nil, err
		}
		if ok {
			s.queue = append(s.queue, workItem{req: req})
		}
	}

	for len(s.queue) > 0 {
		item := s.queue[0]
		s.queue = s.queue[1:]
		if err := s.process(item); err != nil {
			return nil, err
		}
	}

	return s.collect(), nil
}

func (s *session) process(item workItem) error {
	name := item.req.Canonical()

	s.requirers[name] = append(s.requirers[name], item)
	s.noteExtras(name, item.req.Extras)

	// A name that already fanned out attaches new requirers to whichever
	// sibling satisfies them, or grows a new partition.
	if siblings, ok := s.split[name]; ok {
		return s.attachToSplit(name, siblings, item)
	}

	accumulated := pep440.Intersect(s.constraints[name], item.req.Constraints)
	s.constraints[name] = accumulated

	node, exists := s.nodes[name]
	if exists {
		if item.req.Constraints.Matches(node.Version) ||
			(len(item.req.Constraints) == 0 && !node.Version.IsPrerelease()) {
			node.Parents = appendUnique(node.Parents, item.parent)
			return nil
		}
		// The new constraints exclude the pinned version: try to retarget
		// the node to a version satisfying the intersection.
		version, err := s.bestCandidate(name, accumulated)
		if err == nil {
			s.logf("retargeting %s %s -> %s", name, node.Version, version)
			node.Parents = appendUnique(node.Parents, item.parent)
			node.Version = version
			node.Dependencies = nil
			return s.enqueueDeps(node)
		}
		if !errors.Is(err, errors.ErrCodeUnresolvable) {
			return err
		}
		// No single version fits all requirers: fan out.
		return s.fanOut(name)
	}

	version, err := s.bestCandidate(name, accumulated)
	if err != nil {
		return err
	}
	node = &Node{
		Name:          name,
		Version:       version,
		InstalledName: name,
		Parents:       []string{item.parent},
	}
	s.nodes[name] = node
	return s.enqueueDeps(node)
}

// bestCandidate picks the highest available version of name satisfying the
// constraint set and the release's requires_python.
func (s *session) bestCandidate(name string, constraints pep440.ConstraintSet) (pep440.Version, error) {
	if pin, ok := s.preferred[name]; ok && constraints.Matches(pin) {
		if ok, err := s.admitsInterpreter(name, pin); err != nil {
			return pep440.Version{}, err
		} else if ok {
			return pin, nil
		}
	}

	versions, err := s.oracle.AvailableVersions(s.ctx, name)
	if err != nil {
		return pep440.Version{}, err
	}
	pep440.SortVersionsDesc(versions)

	sawPythonMismatch := false
	for _, v := range versions {
		if !constraints.Matches(v) {
			continue
		}
		ok, err := s.admitsInterpreter(name, v)
		if err != nil {
			return pep440.Version{}, err
		}
		if !ok {
			sawPythonMismatch = true
			continue
		}
		return v, nil
	}

	if sawPythonMismatch {
		return pep440.Version{}, errors.New(errors.ErrCodeRequiresPython,
			"no version of %s matching %s supports python %s", name, constraints, s.pyVersion).
			WithRemedy("Run `pyflow switch` to select a different interpreter")
	}
	return pep440.Version{}, errors.New(errors.ErrCodeUnresolvable,
		"cannot find a version of %s satisfying %s", name, constraints)
}

func (s *session) admitsInterpreter(name string, v pep440.Version) (bool, error) {
	rp, err := s.oracle.RequiresPython(s.ctx, name, v)
	if err != nil {
		if errors.Is(err, errors.ErrCodePackageNotFound) {
			return true, nil
		}
		return false, err
	}
	if len(rp) == 0 {
		return true, nil
	}
	return rp.Matches(s.pyVersion), nil
}

// enqueueDeps fetches the node's dependencies, filters them by marker, and
// queues the survivors.
func (s *session) enqueueDeps(node *Node) error {
	deps, err := s.oracle.Dependencies(s.ctx, node.Name, node.Version)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		ok, err := s.markerTrue(dep.Marker, s.requestedExtras(node.Name))
		if err != nil {
			s.logf("skipping %s: %v", dep.Name, err)
			continue
		}
		if !ok {
			continue
		}
		s.queue = append(s.queue, workItem{req: dep, parent: node.InstalledName})
	}
	return nil
}

// markerTrue evaluates a marker against the interpreter environment. When
// extras were requested for the depending package, the marker is also
// tried with each extra bound, so `extra == "security"` dependencies
// activate for requests[security].
func (s *session) markerTrue(marker string, extras []string) (bool, error) {
	if marker == "" {
		return true, nil
	}
	ok, err := pep508.Evaluate(marker, s.env)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	for _, extra := range extras {
		ok, err := pep508.Evaluate(marker, s.env.WithExtra(extra))
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *session) noteExtras(name string, extras []string) {
	if len(extras) == 0 {
		return
	}
	set := s.extras[name]
	if set == nil {
		set = make(map[string]bool)
		s.extras[name] = set
	}
	for _, e := range extras {
		set[e] = true
	}
}

func (s *session) requestedExtras(name string) []string {
	set := s.extras[name]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}

func (s *session) collect() *Resolution {
	var all []*Node
	for _, n := range s.nodes {
		all = append(all, n)
	}
	for _, siblings := range s.split {
		all = append(all, siblings...)
	}

	res := &Resolution{Nodes: prune(all)}
	sort.Slice(res.Nodes, func(i, j int) bool {
		return res.Nodes[i].InstalledName < res.Nodes[j].InstalledName
	})
	s.linkDependencies(res)
	return res
}

// prune drops nodes no longer reachable from a top-level requirement.
// Retargeting and fan-out can orphan subtrees of previously chosen
// versions; those must not leak into the lock.
func prune(all []*Node) []*Node {
	children := make(map[string][]*Node)
	var frontier []*Node
	for _, n := range all {
		for _, parent := range n.Parents {
			if parent == "" {
				frontier = append(frontier, n)
			} else {
				children[parent] = append(children[parent], n)
			}
		}
	}

	reachable := make(map[string]bool)
	for len(frontier) > 0 {
		n := frontier[0]
		frontier = frontier[1:]
		if reachable[n.InstalledName] {
			continue
		}
		reachable[n.InstalledName] = true
		frontier = append(frontier, children[n.InstalledName]...)
	}

	kept := all[:0]
	for _, n := range all {
		if reachable[n.InstalledName] {
			kept = append(kept, n)
		}
	}
	return kept
}

// linkDependencies converts the parent edges into per-node dependency
// references, so lock entries can declare their children.
func (s *session) linkDependencies(res *Resolution) {
	byInstalled := make(map[string]*Node, len(res.Nodes))
	for _, n := range res.Nodes {
		byInstalled[n.InstalledName] = n
	}
	for _, child := range res.Nodes {
		for _, parent := range child.Parents {
			if parent == "" {
				continue
			}
			p, ok := byInstalled[parent]
			if !ok {
				continue
			}
			p.Dependencies = append(p.Dependencies, DepRef{
				Name:          child.Name,
				InstalledName: child.InstalledName,
				Version:       child.Version,
			})
		}
	}
	for _, n := range res.Nodes {
		sort.Slice(n.Dependencies, func(i, j int) bool {
			return n.Dependencies[i].InstalledName < n.Dependencies[j].InstalledName
		})
	}
}

func fmtConflict(items []workItem) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += "; "
		}
		requirer := item.parent
		if requirer == "" {
			requirer = "the project manifest"
		}
		out += fmt.Sprintf("%s requires %s", requirer, item.req.Constraints)
	}
	return out
}
