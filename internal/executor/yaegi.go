package executor

import (
	"bytes"
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// YaegiExecutor interprets Go blocks in-process. Only allowlisted standard
// library packages may be imported: no filesystem, process or network access.
type YaegiExecutor struct {
	allowedPackages map[string]bool
}

// NewYaegiExecutor creates an interpreter-backed executor.
func NewYaegiExecutor() *YaegiExecutor {
	return &YaegiExecutor{
		allowedPackages: map[string]bool{
			"bytes":           true,
			"encoding/base64": true,
			"encoding/csv":    true,
			"encoding/json":   true,
			"errors":          true,
			"fmt":             true,
			"math":            true,
			"math/rand":       true,
			"regexp":          true,
			"sort":            true,
			"strconv":         true,
			"strings":         true,
			"text/tabwriter":  true,
			"time":            true,
			"unicode":         true,
			"unicode/utf8":    true,
		},
	}
}

// Run evaluates code and returns its captured output. A program with
// package main runs its main function; a bare snippet is evaluated as
// statements.
func (y *YaegiExecutor) Run(ctx context.Context, code string, timeout time.Duration) Result {
	if err := y.validateImports(code); err != nil {
		return Result{ExitCode: 1, Output: err.Error()}
	}

	var out bytes.Buffer
	i := interp.New(interp.Options{Stdout: &out, Stderr: &out})
	if err := i.Use(y.symbols()); err != nil {
		return Result{ExitCode: 1, Output: fmt.Sprintf("failed to load stdlib: %v", err)}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if _, err := i.EvalWithContext(ctx, code); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{ExitCode: timeoutExitCode, Output: out.String() + "\nTimeout"}
		}
		if out.Len() > 0 && !bytes.HasSuffix(out.Bytes(), []byte("\n")) {
			out.WriteByte('\n')
		}
		out.WriteString(err.Error())
		return Result{ExitCode: 1, Output: out.String()}
	}
	return Result{ExitCode: 0, Output: out.String()}
}

// genericDeps are loaded alongside the allowlist because yaegi compiles its
// generic cmp, maps, slices and sync sources against them.
var genericDeps = map[string]bool{
	"cmp":         true,
	"maps":        true,
	"math/bits":   true,
	"slices":      true,
	"sync":        true,
	"sync/atomic": true,
}

// symbols is the subset of stdlib.Symbols the interpreter may resolve. Keys
// have the form "import/path/name", so an import the parser misses still
// fails inside the interpreter.
func (y *YaegiExecutor) symbols() interp.Exports {
	exports := interp.Exports{}
	for key, syms := range stdlib.Symbols {
		if key == "." {
			exports[key] = syms
			continue
		}
		slash := strings.LastIndexByte(key, '/')
		if pkg := key[:max(slash, 0)]; y.allowedPackages[pkg] || genericDeps[pkg] {
			exports[key] = syms
		}
	}
	return exports
}

// validateImports rejects imports outside the allowlist and code whose
// import section does not parse.
func (y *YaegiExecutor) validateImports(code string) error {
	imports, err := parseImports(code)
	if err != nil {
		return err
	}
	var forbidden []string
	for _, pkg := range imports {
		if !y.allowedPackages[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %s (allowed: %s)",
			strings.Join(forbidden, ", "), strings.Join(y.allowed(), ", "))
	}
	return nil
}

func (y *YaegiExecutor) allowed() []string {
	pkgs := make([]string, 0, len(y.allowedPackages))
	for pkg := range y.allowedPackages {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

// parseImports returns the import paths of code. A bare snippet without a
// package clause is parsed as if it had one.
func parseImports(code string) ([]string, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "main.go", code, parser.ImportsOnly)
	if err != nil {
		var perr error
		f, perr = parser.ParseFile(fset, "main.go", "package main\n"+code, parser.ImportsOnly)
		if perr != nil {
			return nil, fmt.Errorf("parse imports: %w", err)
		}
	}
	imports := make([]string, 0, len(f.Imports))
	for _, spec := range f.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			return nil, fmt.Errorf("parse imports: bad path %s", spec.Path.Value)
		}
		imports = append(imports, path)
	}
	return imports, nil
}
