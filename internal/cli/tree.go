package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/spf13/cobra"

	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/lockfile"
)

func newTreeCmd() *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the locked dependency graph",
		Long: `tree renders pyflow.lock. The default text format prints an indented
tree on stdout; --format dot emits Graphviz DOT, and --format svg renders
an SVG (use --output to write it to a file).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := findProjectRoot()
			if err != nil {
				return err
			}
			lock, err := lockfile.Read(dir + "/" + lockfile.Filename)
			if err != nil {
				return err
			}
			if len(lock.Package) == 0 {
				printInfo("lock is empty; run `pyflow install` first")
				return nil
			}

			switch format {
			case "text":
				printLockTree(lock)
				return nil
			case "dot":
				return writeOutput(output, []byte(lockToDOT(lock)))
			case "svg":
				svg, err := renderSVG(cmd.Context(), lockToDOT(lock))
				if err != nil {
					return err
				}
				return writeOutput(output, svg)
			default:
				return errors.New(errors.ErrCodeUnknownCommand,
					"unknown tree format %q (text, dot, svg)", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format: text, dot or svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	printSuccess("wrote %s", path)
	return nil
}

// printLockTree prints roots (packages nothing depends on) with their
// dependencies indented beneath them.
func printLockTree(lock *lockfile.Lock) {
	children, roots := lockEdges(lock)
	var walk func(name string, depth int, seen map[string]bool)
	walk = func(name string, depth int, seen map[string]bool) {
		entry, _ := lock.Entry(name)
		label := StyleHighlight.Render(name) + " " + StyleDim.Render(entry.Version)
		fmt.Println(strings.Repeat("  ", depth) + label)
		if seen[name] {
			return
		}
		seen[name] = true
		for _, child := range children[name] {
			walk(child, depth+1, seen)
		}
		delete(seen, name)
	}
	for _, root := range roots {
		walk(root, 0, map[string]bool{})
	}
}

// lockToDOT converts the lock graph to Graphviz DOT.
func lockToDOT(lock *lockfile.Lock) string {
	var buf bytes.Buffer
	buf.WriteString("digraph deps {\n")
	buf.WriteString("  rankdir=TB;\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white];\n\n")

	for _, pkg := range lock.Package {
		label := fmt.Sprintf("%s\\n%s", pkg.InstalledName(), pkg.Version)
		attrs := fmt.Sprintf("label=%q", label)
		if pkg.Rename != "" {
			attrs += `, fillcolor=lightyellow`
		}
		fmt.Fprintf(&buf, "  %q [%s];\n", pkg.InstalledName(), attrs)
	}
	buf.WriteString("\n")
	for _, pkg := range lock.Package {
		for _, dep := range pkg.Dependencies {
			if name, _, ok := lockfile.SplitDepRef(dep); ok {
				fmt.Fprintf(&buf, "  %q -> %q;\n", pkg.InstalledName(), name)
			}
		}
	}
	buf.WriteString("}\n")
	return buf.String()
}

// renderSVG renders a DOT graph to SVG using Graphviz.
func renderSVG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}

// lockEdges computes the child map and the sorted list of roots.
func lockEdges(lock *lockfile.Lock) (children map[string][]string, roots []string) {
	children = make(map[string][]string)
	hasParent := make(map[string]bool)
	for _, pkg := range lock.Package {
		for _, dep := range pkg.Dependencies {
			if name, _, ok := lockfile.SplitDepRef(dep); ok {
				children[pkg.InstalledName()] = append(children[pkg.InstalledName()], name)
				hasParent[name] = true
			}
		}
	}
	for _, pkg := range lock.Package {
		if !hasParent[pkg.InstalledName()] {
			roots = append(roots, pkg.InstalledName())
		}
	}
	sort.Strings(roots)
	for name := range children {
		sort.Strings(children[name])
	}
	return children, roots
}
