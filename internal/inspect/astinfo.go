package inspect

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"sort"
	"strings"
)

// ASTInfo is the static view of a function's definition. An empty Hash means
// the source was unavailable.
type ASTInfo struct {
	Imports     []string `json:"imports,omitempty"`
	CalledNames []string `json:"called_names,omitempty"`
	ReadGlobals []string `json:"read_globals,omitempty"`
	Hash        string   `json:"hash,omitempty"`

	perf     PerfHints
	security SecurityHints
}

// PerfHints flags structural cost indicators.
type PerfHints struct {
	Recursive  bool `json:"recursive"`
	HasLoops   bool `json:"has_loops"`
	Complexity int  `json:"complexity"`
	LOC        int  `json:"loc"`
}

// SecurityHints flags imports and calls worth a second look before allowing
// interception or redirection.
type SecurityHints struct {
	UsesExec    bool `json:"uses_exec"`
	UsesUnsafe  bool `json:"uses_unsafe"`
	UsesNetwork bool `json:"uses_network"`
	UsesEnv     bool `json:"uses_env"`
	UsesReflect bool `json:"uses_reflect"`
}

// analyzeAST parses the target's source and extracts definition-level facts.
// Unparseable or missing source yields a zero ASTInfo (signature-only
// analysis).
func analyzeAST(t Target) ASTInfo {
	info := ASTInfo{}
	if t.Source == "" {
		return info
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, t.File, t.Source, parser.ParseComments)
	if err != nil {
		return info
	}

	imported := map[string]string{} // local name -> path
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		info.Imports = append(info.Imports, path)
		local := path
		if i := strings.LastIndex(path, "/"); i >= 0 {
			local = path[i+1:]
		}
		if imp.Name != nil {
			local = imp.Name.Name
		}
		imported[local] = path
		switch path {
		case "os/exec":
			info.security.UsesExec = true
		case "unsafe":
			info.security.UsesUnsafe = true
		case "net", "net/http":
			info.security.UsesNetwork = true
		case "reflect":
			info.security.UsesReflect = true
		}
	}

	var fd *ast.FuncDecl
	for _, d := range file.Decls {
		if f, ok := d.(*ast.FuncDecl); ok && f.Name.Name == t.Identity.QualName {
			fd = f
			break
		}
	}
	if fd == nil {
		return info
	}

	info.Hash = hashNode(fset, fd)
	info.walk(fset, fd, t)
	return info
}

// walk fills calls, globals, loops, recursion, complexity and LOC from the
// function body.
func (info *ASTInfo) walk(fset *token.FileSet, fd *ast.FuncDecl, t Target) {
	// Non-blank lines of the definition.
	start := fset.Position(fd.Pos()).Line
	end := fset.Position(fd.End()).Line
	lines := strings.Split(t.Source, "\n")
	loc := 0
	for i := start - 1; i < end && i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "" {
			loc++
		}
	}
	info.perf.LOC = loc
	info.perf.Complexity = 1

	locals := map[string]bool{}
	if fd.Type.Params != nil {
		for _, f := range fd.Type.Params.List {
			for _, n := range f.Names {
				locals[n.Name] = true
			}
		}
	}

	called := map[string]bool{}
	globals := map[string]bool{}

	ast.Inspect(fd, func(n ast.Node) bool {
		switch v := n.(type) {
		case *ast.IfStmt:
			info.perf.Complexity++
		case *ast.ForStmt, *ast.RangeStmt:
			info.perf.Complexity++
			info.perf.HasLoops = true
		case *ast.CaseClause:
			if v.List != nil { // default clause adds no branch
				info.perf.Complexity++
			}
		case *ast.BinaryExpr:
			if v.Op == token.LAND || v.Op == token.LOR {
				info.perf.Complexity++
			}
		case *ast.AssignStmt:
			if v.Tok == token.DEFINE {
				for _, lhs := range v.Lhs {
					if id, ok := lhs.(*ast.Ident); ok {
						locals[id.Name] = true
					}
				}
			}
		case *ast.CallExpr:
			name := callName(v.Fun)
			if name != "" {
				called[name] = true
				if name == fd.Name.Name || name == t.Identity.Module+"."+fd.Name.Name {
					info.perf.Recursive = true
				}
				switch name {
				case "os.Getenv", "os.Setenv", "os.Environ":
					info.security.UsesEnv = true
				case "exec.Command", "exec.CommandContext":
					info.security.UsesExec = true
				}
			}
		case *ast.Ident:
			if v.Obj == nil && !locals[v.Name] && v.Name != "_" && !isBuiltin(v.Name) {
				globals[v.Name] = true
			}
		}
		return true
	})

	info.CalledNames = sortedKeys(called)
	// Called names double as reads; keep only the remainder as approximate
	// globals.
	for name := range called {
		delete(globals, name)
		if i := strings.Index(name, "."); i > 0 {
			delete(globals, name[:i])
		}
	}
	delete(globals, fd.Name.Name)
	info.ReadGlobals = sortedKeys(globals)
}

func callName(e ast.Expr) string {
	switch v := e.(type) {
	case *ast.Ident:
		return v.Name
	case *ast.SelectorExpr:
		if x, ok := v.X.(*ast.Ident); ok {
			return x.Name + "." + v.Sel.Name
		}
		return v.Sel.Name
	}
	return ""
}

var builtins = map[string]bool{
	"len": true, "cap": true, "append": true, "make": true, "new": true,
	"copy": true, "delete": true, "panic": true, "recover": true,
	"print": true, "println": true, "close": true, "complex": true,
	"real": true, "imag": true, "min": true, "max": true, "clear": true,
	"true": true, "false": true, "nil": true, "iota": true,
	"int": true, "int8": true, "int16": true, "int32": true, "int64": true,
	"uint": true, "uint8": true, "uint16": true, "uint32": true, "uint64": true,
	"float32": true, "float64": true, "string": true, "bool": true,
	"byte": true, "rune": true, "error": true, "any": true, "uintptr": true,
	"complex64": true, "complex128": true,
}

func isBuiltin(name string) bool { return builtins[name] }

// hashNode renders the definition through go/printer (no comments, no
// positions) and hashes the canonical text.
func hashNode(fset *token.FileSet, fd *ast.FuncDecl) string {
	clone := *fd
	clone.Doc = nil
	var buf bytes.Buffer
	cfg := printer.Config{Mode: printer.RawFormat}
	if err := cfg.Fprint(&buf, fset, &clone); err != nil {
		return ""
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
