// instrument rewrites a Go source file so that every basic block records an
// edge hit through the aflshm runtime, making the program fuzzable under the
// shared-memory convention. Edge ids are derived from an FNV hash of
// package, function and block position, reduced into the bitmap.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"go/token"
	"hash/fnv"
	"log"
	"os"
	"sort"
	"strconv"

	"github.com/dave/dst"
	"github.com/dave/dst/decorator"
	"github.com/dave/dst/dstutil"

	"minilop.local/fuzz/feedback"
)

var (
	targetFile = flag.String("file", "", "Go file to instrument (rewritten in place)")
	metaFile   = flag.String("meta", "edges.json", "Where to write the edge metadata")
	runtimePkg = flag.String("runtime", "minilop.local/fuzz/aflshm", "Import path of the coverage runtime")
)

// EdgeInfo ties a bitmap edge back to the source block it was assigned to.
type EdgeInfo struct {
	Edge        uint32
	PackageName string
	FuncName    string
	BlockID     int
	Location    string
}

// Metadata is the sidecar file mapping edge ids to source blocks.
type Metadata struct {
	Columns []string            // edge ids in string form, sorted
	Details map[string]EdgeInfo // details per edge id
}

func main() {
	flag.Parse()
	if *targetFile == "" {
		log.Fatal("Missing required -file argument")
	}

	log.Printf("Instrumenting file: %s", *targetFile)
	src, err := os.ReadFile(*targetFile)
	if err != nil {
		log.Fatalf("Error reading %s: %v", *targetFile, err)
	}

	out, edges, err := instrumentSource(src, *runtimePkg)
	if err != nil {
		log.Fatalf("Error instrumenting file %s: %v", *targetFile, err)
	}
	if err := os.WriteFile(*targetFile, out, 0o644); err != nil {
		log.Fatalf("Error writing %s: %v", *targetFile, err)
	}

	saveMetadata(*metaFile, *targetFile, edges)
	log.Println("Instrumentation complete.")
}

func saveMetadata(path, source string, edges []EdgeInfo) {
	meta := Metadata{Details: make(map[string]EdgeInfo)}
	for _, e := range edges {
		e.Location = source
		key := strconv.FormatUint(uint64(e.Edge), 10)
		meta.Columns = append(meta.Columns, key)
		meta.Details[key] = e
	}
	sort.Strings(meta.Columns)

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal metadata: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Fatalf("Failed to write metadata: %v", err)
	}
	log.Printf("Saved metadata for %d edges to %s", len(meta.Columns), path)
}

// instrumentSource parses src, prepends an aflshm.Hit call to every block
// statement (except the bodies of switch and select statements) and every
// case/comm clause, injects the runtime import if needed, and prints the
// rewritten source.
func instrumentSource(src []byte, runtimeImport string) ([]byte, []EdgeInfo, error) {
	f, err := decorator.Parse(src)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse source: %w", err)
	}

	injectImport(f, runtimeImport)

	packageName := f.Name.Name
	var (
		currentFunc  string
		blockCounter int
		edges        []EdgeInfo
	)

	record := func() uint32 {
		blockCounter++
		edge := edgeID(packageName, currentFunc, blockCounter)
		edges = append(edges, EdgeInfo{
			Edge:        edge,
			PackageName: packageName,
			FuncName:    currentFunc,
			BlockID:     blockCounter,
		})
		return edge
	}

	dstutil.Apply(f, func(c *dstutil.Cursor) bool {
		switch n := c.Node().(type) {
		case *dst.FuncDecl:
			currentFunc = n.Name.Name
			blockCounter = 0
		case *dst.BlockStmt:
			switch c.Parent().(type) {
			case *dst.SwitchStmt, *dst.TypeSwitchStmt, *dst.SelectStmt:
				// The body holds only clauses; each clause gets its own hit.
			default:
				n.List = append([]dst.Stmt{hitStmt(record())}, n.List...)
			}
		case *dst.CaseClause:
			n.Body = append([]dst.Stmt{hitStmt(record())}, n.Body...)
		case *dst.CommClause:
			n.Body = append([]dst.Stmt{hitStmt(record())}, n.Body...)
		}
		return true
	}, nil)

	var buf bytes.Buffer
	if err := decorator.Fprint(&buf, f); err != nil {
		return nil, nil, fmt.Errorf("failed to print instrumented source: %w", err)
	}
	return buf.Bytes(), edges, nil
}

// injectImport adds the runtime import unless the file already has it.
func injectImport(f *dst.File, importPath string) {
	quoted := strconv.Quote(importPath)
	for _, imp := range f.Imports {
		if imp.Path != nil && imp.Path.Value == quoted {
			return
		}
	}
	importDecl := &dst.GenDecl{
		Tok: token.IMPORT,
		Specs: []dst.Spec{
			&dst.ImportSpec{
				Path: &dst.BasicLit{Kind: token.STRING, Value: quoted},
			},
		},
	}
	f.Decls = append([]dst.Decl{importDecl}, f.Decls...)
}

// edgeID hashes a block's identity into the trace bitmap.
func edgeID(pkg, fn string, block int) uint32 {
	h := fnv.New64a()
	h.Write([]byte(pkg))
	h.Write([]byte(fn))
	h.Write([]byte(strconv.Itoa(block)))
	return uint32(h.Sum64() % feedback.MapSize)
}

// hitStmt builds the statement `aflshm.Hit(<edge>)`.
func hitStmt(edge uint32) dst.Stmt {
	return &dst.ExprStmt{
		X: &dst.CallExpr{
			Fun: &dst.SelectorExpr{
				X:   &dst.Ident{Name: "aflshm"},
				Sel: &dst.Ident{Name: "Hit"},
			},
			Args: []dst.Expr{
				&dst.BasicLit{Kind: token.INT, Value: strconv.FormatUint(uint64(edge), 10)},
			},
		},
	}
}
