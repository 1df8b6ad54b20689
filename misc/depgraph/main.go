// Program depgraph generates a Graphviz DOT description of SERAPH's
// internal package graph: voidreg, capability, vclock, sched, ipc,
// dsm, persist, kctx, and the cmd/ drivers that wire them together.
// It shells out to `go list -json` rather than `go mod graph` since
// the interesting structure here is intra-module (who imports
// voidreg, whether dsm ever imports persist) rather than third-party
// version resolution.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

type pkgInfo struct {
	ImportPath string
	Imports    []string
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./...")
	out, err := cmd.Output()
	if err != nil {
		panic(err)
	}

	writer := bufio.NewWriter(os.Stdout)
	defer writer.Flush()
	writer.WriteString("digraph seraph_deps {\n")

	dec := json.NewDecoder(bytes.NewReader(out))
	for {
		var p pkgInfo
		if err := dec.Decode(&p); err != nil {
			break
		}
		if !strings.HasPrefix(p.ImportPath, "seraph/") && p.ImportPath != "seraph" {
			continue
		}
		for _, imp := range p.Imports {
			if !strings.HasPrefix(imp, "seraph/") && imp != "seraph" {
				continue
			}
			fmt.Fprintf(writer, "    %q -> %q;\n", p.ImportPath, imp)
		}
	}
	writer.WriteString("}\n")
}
