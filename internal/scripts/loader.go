package scripts

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"mystic/internal/hijack"
	"mystic/internal/identity"
)

// Loader evaluates Go source at runtime and registers its exported
// functions in a Table. Each script gets its own interpreter; only a
// stdlib allowlist may be imported, keeping interpreted code away from the
// filesystem, network and process control.
type Loader struct {
	table *Table
	log   *zap.Logger

	allowed map[string]bool
}

// NewLoader creates a loader feeding the given table.
func NewLoader(table *Table, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		table: table,
		log:   log,
		allowed: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"math/rand":       true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"unicode":         true,
			"errors":          true,
			// Blocked: os, os/exec, net, net/http, syscall, unsafe.
		},
	}
}

// Allow adds a package to the import allowlist.
func (l *Loader) Allow(pkg string) {
	l.allowed[pkg] = true
}

// LoadFile reads and loads a script; the module name is the file base
// without extension.
func (l *Loader) LoadFile(path string) ([]identity.Identity, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scripts: read %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return l.load(name, path, string(src))
}

// Load evaluates src under the given module name and registers its exported
// functions. Returns the registered identities.
func (l *Loader) Load(module, src string) ([]identity.Identity, error) {
	return l.load(module, module+".go", src)
}

func (l *Loader) load(module, filename, src string) ([]identity.Identity, error) {
	decls, pkgName, err := l.parse(filename, src)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("scripts: load stdlib: %w", err)
	}
	if _, err := i.Eval(src); err != nil {
		return nil, fmt.Errorf("scripts: eval %s: %w", module, err)
	}

	var ids []identity.Identity
	for _, d := range decls {
		v, err := i.Eval(pkgName + "." + d.name)
		if err != nil {
			l.log.Warn("script function not resolvable, skipping",
				zap.String("module", module), zap.String("function", d.name), zap.Error(err))
			continue
		}
		fn := v.Interface()
		f := Function{
			Identity:  identity.New(module, d.name),
			Signature: d.signature,
			Doc:       d.doc,
			File:      filename,
			Line:      d.line,
			Source:    src,
			Scripted:  true,
		}
		if err := l.table.register(f, hijack.AsCallable(fn)); err != nil {
			return ids, err
		}
		ids = append(ids, f.Identity)
	}
	l.log.Info("script loaded", zap.String("module", module), zap.Int("functions", len(ids)))
	return ids, nil
}

type funcDecl struct {
	name      string
	signature string
	doc       string
	line      int
}

// parse validates imports against the allowlist and collects top-level
// function declarations with their doc comments.
func (l *Loader) parse(filename, src string) ([]funcDecl, string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, "", fmt.Errorf("scripts: parse: %w", err)
	}

	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !l.allowed[path] {
			return nil, "", fmt.Errorf("scripts: import %q not allowed", path)
		}
	}

	var decls []funcDecl
	for _, d := range file.Decls {
		fd, ok := d.(*ast.FuncDecl)
		if !ok || fd.Recv != nil {
			continue
		}
		// Unexported symbols cannot be resolved out of the interpreted
		// package.
		if !ast.IsExported(fd.Name.Name) {
			continue
		}
		doc := ""
		if fd.Doc != nil {
			doc = strings.TrimSpace(fd.Doc.Text())
		}
		decls = append(decls, funcDecl{
			name:      fd.Name.Name,
			signature: renderSignature(fd),
			doc:       doc,
			line:      fset.Position(fd.Pos()).Line,
		})
	}
	return decls, file.Name.Name, nil
}

// renderSignature prints "Name(a int, b string) (int, error)" from the AST.
func renderSignature(fd *ast.FuncDecl) string {
	var b strings.Builder
	b.WriteString(fd.Name.Name)
	b.WriteByte('(')
	writeFieldList(&b, fd.Type.Params, true)
	b.WriteByte(')')
	if fd.Type.Results != nil && len(fd.Type.Results.List) > 0 {
		n := 0
		for _, f := range fd.Type.Results.List {
			if len(f.Names) == 0 {
				n++
			} else {
				n += len(f.Names)
			}
		}
		if n > 1 {
			b.WriteString(" (")
			writeFieldList(&b, fd.Type.Results, false)
			b.WriteByte(')')
		} else {
			b.WriteByte(' ')
			writeFieldList(&b, fd.Type.Results, false)
		}
	}
	return b.String()
}

func writeFieldList(b *strings.Builder, fields *ast.FieldList, withNames bool) {
	if fields == nil {
		return
	}
	first := true
	for _, f := range fields.List {
		typeStr := exprString(f.Type)
		if len(f.Names) == 0 {
			if !first {
				b.WriteString(", ")
			}
			first = false
			b.WriteString(typeStr)
			continue
		}
		for _, name := range f.Names {
			if !first {
				b.WriteString(", ")
			}
			first = false
			if withNames {
				b.WriteString(name.Name)
				b.WriteByte(' ')
			}
			b.WriteString(typeStr)
		}
	}
}

func exprString(e ast.Expr) string {
	switch t := e.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.SelectorExpr:
		return exprString(t.X) + "." + t.Sel.Name
	case *ast.StarExpr:
		return "*" + exprString(t.X)
	case *ast.ArrayType:
		return "[]" + exprString(t.Elt)
	case *ast.MapType:
		return "map[" + exprString(t.Key) + "]" + exprString(t.Value)
	case *ast.Ellipsis:
		return "..." + exprString(t.Elt)
	case *ast.InterfaceType:
		return "interface{}"
	case *ast.FuncType:
		return "func"
	default:
		return fmt.Sprintf("%T", e)
	}
}
