/**
 * @file features.go
 * @brief Domain feature density analyzer for SERAPH's own source tree.
 *
 * Walks the AST of every .go file under a directory and counts
 * call-sites that exercise SERAPH's core domain operations rather than
 * generic Go language features: VOID records, capability checks and
 * derivations, scheduler block/wake transitions, IPC transfers, and
 * DSM cache invalidations. Useful for spotting a package that talks a
 * big game about VOID discipline but never actually calls
 * Registry.Record, or a DSM path that never invalidates a peer's
 * cache.
 */
package main

import (
	"bufio"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

var voidRecords []string
var capabilityChecks []string
var capabilityDerives []string
var schedBlocks []string
var schedWakes []string
var ipcTransfers []string
var dsmInvalidates []string
var lcount int

var verbose = false

/**
 * @brief Names the receiver-less method call a selector expression makes, if any.
 * @param c call expression to examine
 * @return method name, or empty string when c is not a selector call
 */
func selectorCallName(c *ast.CallExpr) string {
	sel, ok := c.Fun.(*ast.SelectorExpr)
	if !ok {
		return ""
	}
	return sel.Sel.Name
}

/**
 * @brief Walks the AST node collecting SERAPH domain call-sites.
 * @param node current AST node
 * @param fset token file set for position info
 * @return always true to continue traversal
 * @global voidRecords, capabilityChecks, capabilityDerives, schedBlocks, schedWakes, ipcTransfers, dsmInvalidates
 */
func donode(node ast.Node, fset *token.FileSet) bool {
	call, ok := node.(*ast.CallExpr)
	if !ok {
		return true
	}
	pos := fset.Position(node.Pos()).String()
	switch selectorCallName(call) {
	case "Record":
		voidRecords = append(voidRecords, pos)
	case "Check", "Access":
		capabilityChecks = append(capabilityChecks, pos)
	case "Derive":
		capabilityDerives = append(capabilityDerives, pos)
	case "Block":
		schedBlocks = append(schedBlocks, pos)
	case "Wake":
		schedWakes = append(schedWakes, pos)
	case "Transfer":
		ipcTransfers = append(ipcTransfers, pos)
	case "invalidate", "Revoke":
		dsmInvalidates = append(dsmInvalidates, pos)
	}
	return true
}

/**
 * @brief Counts lines in a reader using bufio.Scanner.
 * @param r input reader
 * @return number of lines and an error if any
 */
func lineCounter(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	count := 0
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}

/**
 * @brief Processes a single Go source file.
 * @param path file path to parse
 * @global lcount running line count
 */
func dofile(path string) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, nil, 0)
	if err != nil {
		fmt.Println(err)
		return
	}

	ast.Inspect(f, func(node ast.Node) bool {
		return donode(node, fset)
	})

	file, err := os.Open(path)
	if err != nil {
		log.Fatal(err)
	}
	l, err := lineCounter(file)
	if err != nil {
		log.Fatal(err)
	}
	lcount += l
}

/**
 * @brief Returns thousandths ratio of x over line count.
 * @param x value to scale
 * @return scaled result
 */
func frac(x int) float64 {
	return (float64(x) / float64(lcount)) * 1000
}

/**
 * @brief Prints a feature's density and, if verbose, every call-site.
 * @param n label name
 * @param x slice of position strings
 */
func print(n string, x []string) {
	fmt.Printf("%s & %.2f \\ \n", n, frac(len(x)))
	if verbose {
		for _, i := range x {
			fmt.Printf("\t%s\n", i)
		}
	}
}

/**
 * @brief Entry point for the domain feature density tool.
 * @global lcount running line total
 */
func main() {
	if len(os.Args) != 2 {
		fmt.Println("features.go <path>")
		return
	}
	dir := os.Args[1]
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(strings.TrimSpace(path)) == ".go" {
			dofile(path)
		}
		return nil
	})
	if err != nil {
		fmt.Printf("error %v\n", err)
	}

	fmt.Printf("Line count %d\n", lcount)

	print("VOID records", voidRecords)
	print("Capability checks", capabilityChecks)
	print("Capability derivations", capabilityDerives)
	print("Scheduler blocks", schedBlocks)
	print("Scheduler wakes", schedWakes)
	print("IPC transfers", ipcTransfers)
	print("DSM invalidations/revocations", dsmInvalidates)
}
