package main

import (
	"bufio"
	"fmt"
	"os"

	"golang.org/x/tools/go/packages"
)

// Program depgraph generates a Graphviz DOT description of the real
// package import graph of ostrakon, loaded and type-checked via
// golang.org/x/tools/go/packages rather than shelled out to `go mod
// graph`: module-graph edges describe nested-module replace wiring, not
// which package actually imports which, so a dependency dropped from
// every .go file's import block (like golang.org/x/tools/go/pointer)
// would still show an edge. This walks the actual import statements.
func main() {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps,
		Dir:  ".",
	}
	pkgs, err := packages.Load(cfg, "./...")
	if err != nil {
		panic(err)
	}

	writer := bufio.NewWriter(os.Stdout)
	defer writer.Flush()
	fmt.Fprintln(writer, "digraph deps {")
	seen := make(map[string]bool)
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		for path := range p.Imports {
			edge := p.PkgPath + " -> " + path
			if seen[edge] {
				continue
			}
			seen[edge] = true
			fmt.Fprintf(writer, "    %q -> %q;\n", p.PkgPath, path)
		}
	})
	fmt.Fprintln(writer, "}")
}
