package resolve

import (
	"context"
	"reflect"
	"testing"

	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
	"github.com/pyflow-dev/pyflow/pkg/pep508"
)

// fakeOracle serves canned metadata: map of canonical name -> version
// string -> release fixture.
type fakeOracle struct {
	releases map[string]map[string]fakeRelease
	calls    int
}

type fakeRelease struct {
	deps           []string
	requiresPython string
}

func (f *fakeOracle) AvailableVersions(_ context.Context, name string) ([]pep440.Version, error) {
	f.calls++
	byVersion, ok := f.releases[name]
	if !ok {
		return nil, errors.New(errors.ErrCodePackageNotFound, "not found: %s", name)
	}
	var out []pep440.Version
	for raw := range byVersion {
		out = append(out, pep440.MustVersion(raw))
	}
	pep440.SortVersionsDesc(out)
	return out, nil
}

func (f *fakeOracle) Dependencies(_ context.Context, name string, v pep440.Version) ([]pep440.Requirement, error) {
	rel, ok := f.releases[name][v.String()]
	if !ok {
		return nil, errors.New(errors.ErrCodePackageNotFound, "not found: %s %s", name, v)
	}
	var out []pep440.Requirement
	for _, raw := range rel.deps {
		req, err := pep440.ParseRequirement(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (f *fakeOracle) RequiresPython(_ context.Context, name string, v pep440.Version) (pep440.ConstraintSet, error) {
	rel, ok := f.releases[name][v.String()]
	if !ok {
		return nil, errors.New(errors.ErrCodePackageNotFound, "not found: %s %s", name, v)
	}
	return pep440.ParseConstraints(rel.requiresPython)
}

func linuxEnv() pep508.Environment {
	return pep508.Environment{
		"python_version":      "3.7",
		"python_full_version": "3.7.4",
		"sys_platform":        "linux",
		"os_name":             "posix",
		"platform_system":     "Linux",
	}
}

func newResolver(oracle Oracle, opts ...Option) *Resolver {
	return New(oracle, linuxEnv(), pep440.MustVersion("3.7.4"), opts...)
}

func reqs(t *testing.T, specs ...string) []pep440.Requirement {
	t.Helper()
	var out []pep440.Requirement
	for _, s := range specs {
		req, err := pep440.ParseRequirement(s)
		if err != nil {
			t.Fatalf("ParseRequirement(%q): %v", s, err)
		}
		out = append(out, req)
	}
	return out
}

func pins(res *Resolution) map[string]string {
	out := make(map[string]string)
	for _, n := range res.Nodes {
		out[n.InstalledName] = n.Version.String()
	}
	return out
}

func TestResolveTrivial(t *testing.T) {
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"toolz": {"0.9.0": {}, "0.10.0": {}},
	}}

	res, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "toolz ==0.10.0"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := map[string]string{"toolz": "0.10.0"}
	if got := pins(res); !reflect.DeepEqual(got, want) {
		t.Errorf("pins = %v, want %v", got, want)
	}
}

func TestResolveCaretPicksHighestCompatible(t *testing.T) {
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"requests": {"2.21.0": {}, "2.22.0": {}, "3.0.0": {}},
	}}

	res, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "requests ^2.21.0"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := pins(res)["requests"]; got != "2.22.0" {
		t.Errorf("requests pinned to %s, want 2.22.0 (not 3.0.0)", got)
	}
}

func TestResolveTransitive(t *testing.T) {
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"flask":    {"1.1.0": {deps: []string{"Werkzeug (>=0.15)", "click (>=5.1)"}}},
		"werkzeug": {"0.15.4": {}, "0.14.0": {}},
		"click":    {"7.0": {}, "5.1": {}},
	}}

	res, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "flask"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := map[string]string{"flask": "1.1.0", "werkzeug": "0.15.4", "click": "7.0"}
	if got := pins(res); !reflect.DeepEqual(got, want) {
		t.Errorf("pins = %v, want %v", got, want)
	}

	flask, ok := res.Node("flask")
	if !ok {
		t.Fatal("flask node missing")
	}
	if len(flask.Dependencies) != 2 {
		t.Errorf("flask has %d dependency refs, want 2", len(flask.Dependencies))
	}
}

func TestResolveMultiVersionFanOut(t *testing.T) {
	// a needs c>=2, b needs c<2: no single c fits, so two aliased copies.
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"a": {"1.0": {deps: []string{"c (>=2)"}}},
		"b": {"1.0": {deps: []string{"c (<2)"}}},
		"c": {"1.5.0": {}, "2.0.0": {}},
	}}

	res, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "a", "b"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got := pins(res)
	if got["c_2_0_0"] != "2.0.0" {
		t.Errorf("pins = %v, want c_2_0_0 -> 2.0.0", got)
	}
	if got["c_1_5_0"] != "1.5.0" {
		t.Errorf("pins = %v, want c_1_5_0 -> 1.5.0", got)
	}
	if _, ok := res.Node("c"); ok {
		t.Error("unaliased c should not survive the fan-out")
	}

	high, _ := res.Node("c_2_0_0")
	if len(high.Parents) != 1 || high.Parents[0] != "a" {
		t.Errorf("c_2_0_0 parents = %v, want [a]", high.Parents)
	}
	low, _ := res.Node("c_1_5_0")
	if len(low.Parents) != 1 || low.Parents[0] != "b" {
		t.Errorf("c_1_5_0 parents = %v, want [b]", low.Parents)
	}
}

func TestResolveSharedCompatibleDependencyStaysSingle(t *testing.T) {
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"a": {"1.0": {deps: []string{"c (>=1.2)"}}},
		"b": {"1.0": {deps: []string{"c (<2)"}}},
		"c": {"1.5.0": {}, "2.0.0": {}},
	}}

	res, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "a", "b"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// c first resolves to 2.0.0 for a, then b's <2 retargets it to 1.5.0,
	// which still satisfies a.
	got := pins(res)
	if got["c"] != "1.5.0" {
		t.Errorf("pins = %v, want single c -> 1.5.0", got)
	}
	c, _ := res.Node("c")
	if len(c.Parents) != 2 {
		t.Errorf("c parents = %v, want both a and b", c.Parents)
	}
}

func TestResolveMarkerFiltersOnLinux(t *testing.T) {
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"toolbox": {"1.0": {deps: []string{
			`pywin32 ; sys_platform == "win32"`,
			`dataclasses ; python_version < "3.7"`,
		}}},
	}}

	res, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "toolbox"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := pins(res)
	if _, ok := got["pywin32"]; ok {
		t.Error("pywin32 should be filtered out on linux")
	}
	if _, ok := got["dataclasses"]; ok {
		t.Error("dataclasses should be filtered out on python 3.7")
	}
	if len(got) != 1 {
		t.Errorf("pins = %v, want only toolbox", got)
	}
}

func TestResolveExtrasActivateConditionalDeps(t *testing.T) {
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"requests":  {"2.22.0": {deps: []string{`pyOpenSSL (>=0.14) ; extra == 'security'`}}},
		"pyopenssl": {"19.0.0": {}},
	}}

	res, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "requests[security]"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := pins(res)["pyopenssl"]; !ok {
		t.Errorf("pins = %v, want pyopenssl pulled in via the security extra", pins(res))
	}

	// Without the extra the conditional dependency stays out.
	res2, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "requests"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := pins(res2)["pyopenssl"]; ok {
		t.Error("pyopenssl should not install without the extra")
	}
}

func TestResolveIdempotent(t *testing.T) {
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"flask":    {"1.1.0": {deps: []string{"Werkzeug (>=0.15)", "click (>=5.1)"}}},
		"werkzeug": {"0.15.4": {}},
		"click":    {"7.0": {}},
	}}

	r1, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "flask"))
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	r2, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "flask"))
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if !reflect.DeepEqual(pins(r1), pins(r2)) {
		t.Errorf("resolutions differ: %v vs %v", pins(r1), pins(r2))
	}
}

func TestResolvePrefersLockedVersions(t *testing.T) {
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"numpy": {"1.16.4": {}, "1.17.0": {}},
	}}

	locked := map[string]pep440.Version{"numpy": pep440.MustVersion("1.16.4")}
	res, err := newResolver(oracle, WithPreferred(locked)).
		Resolve(context.Background(), reqs(t, "numpy ^1.16.0"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := pins(res)["numpy"]; got != "1.16.4" {
		t.Errorf("numpy pinned to %s, want locked 1.16.4 despite 1.17.0 being available", got)
	}
}

func TestResolvePrereleasesExcludedByDefault(t *testing.T) {
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"black": {"19.10b0": {}, "19.3": {}},
	}}

	res, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "black"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := pins(res)["black"]; got != "19.3" {
		t.Errorf("black pinned to %s, want 19.3 (pre-release excluded)", got)
	}

	// Naming the pre-release opts in.
	res2, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "black ==19.10b0"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := pins(res2)["black"]; got != "19.10b0" {
		t.Errorf("black pinned to %s, want 19.10b0", got)
	}
}

func TestResolveRequiresPython(t *testing.T) {
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"modernpkg": {"2.0": {requiresPython: ">=3.8"}},
	}}

	_, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "modernpkg"))
	if !errors.Is(err, errors.ErrCodeRequiresPython) {
		t.Fatalf("error = %v, want REQUIRES_PYTHON", err)
	}

	// An older release without the floor is chosen instead when present.
	oracle2 := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"modernpkg": {"2.0": {requiresPython: ">=3.8"}, "1.9": {}},
	}}
	res, err := newResolver(oracle2).Resolve(context.Background(), reqs(t, "modernpkg"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := pins(res)["modernpkg"]; got != "1.9" {
		t.Errorf("modernpkg pinned to %s, want 1.9", got)
	}
}

func TestResolveUnresolvable(t *testing.T) {
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"left":  {"1.0": {deps: []string{"mid (==1.0)"}}},
		"right": {"1.0": {deps: []string{"mid (==2.0)"}}},
		"mid":   {"1.0": {}}, // 2.0 does not exist
	}}

	_, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "left", "right"))
	if !errors.Is(err, errors.ErrCodeUnresolvable) {
		t.Fatalf("error = %v, want UNRESOLVABLE", err)
	}
}

func TestResolveCyclicGraphTerminates(t *testing.T) {
	// Observed on PyPI: mutual dependencies must not loop forever.
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{
		"ping": {"1.0": {deps: []string{"pong"}}},
		"pong": {"1.0": {deps: []string{"ping"}}},
	}}

	res, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "ping"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := map[string]string{"ping": "1.0", "pong": "1.0"}
	if got := pins(res); !reflect.DeepEqual(got, want) {
		t.Errorf("pins = %v, want %v", got, want)
	}
}

func TestResolveUnknownPackage(t *testing.T) {
	oracle := &fakeOracle{releases: map[string]map[string]fakeRelease{}}
	_, err := newResolver(oracle).Resolve(context.Background(), reqs(t, "no-such-thing"))
	if !errors.Is(err, errors.ErrCodePackageNotFound) {
		t.Fatalf("error = %v, want PACKAGE_NOT_FOUND", err)
	}
}
