package inspect

import (
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"strconv"
)

// Param describes one parameter of an analyzed function.
type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Variadic bool   `json:"variadic,omitempty"`
}

// Signature is the resolved runtime view of a function.
type Signature struct {
	Name     string   `json:"name"`
	Module   string   `json:"module"`
	QualName string   `json:"qual_name"`
	Params   []Param  `json:"params"`
	Returns  []string `json:"returns,omitempty"`

	IsVariadic bool `json:"is_variadic,omitempty"`
	IsMethod   bool `json:"is_method,omitempty"`
	HasError   bool `json:"has_error,omitempty"`

	// paramTypes keeps the reflect types for schema derivation; nil entries
	// mean the type is only known textually (script functions before
	// evaluation).
	paramTypes  []reflect.Type
	returnTypes []reflect.Type
}

// buildSignature merges the reflect view of Fn (when present) with AST
// parameter names from the source (when it parses). Source unavailable and
// no func value yields a name-only signature.
func buildSignature(t Target) Signature {
	sig := Signature{
		Name:     t.Identity.QualName,
		Module:   t.Identity.Module,
		QualName: t.Identity.QualName,
	}

	names, astTypes := paramNamesFromSource(t)

	if t.Fn != nil {
		rt := reflect.TypeOf(t.Fn)
		if rt != nil && rt.Kind() == reflect.Func {
			sig.IsVariadic = rt.IsVariadic()
			for i := 0; i < rt.NumIn(); i++ {
				pt := rt.In(i)
				p := Param{Type: pt.String()}
				if i < len(names) {
					p.Name = names[i]
				} else {
					p.Name = "arg" + strconv.Itoa(i)
				}
				if sig.IsVariadic && i == rt.NumIn()-1 {
					p.Variadic = true
					p.Type = pt.Elem().String()
				}
				sig.Params = append(sig.Params, p)
				sig.paramTypes = append(sig.paramTypes, pt)
			}
			errType := reflect.TypeOf((*error)(nil)).Elem()
			for i := 0; i < rt.NumOut(); i++ {
				ot := rt.Out(i)
				if i == rt.NumOut()-1 && ot.Implements(errType) {
					sig.HasError = true
					continue
				}
				sig.Returns = append(sig.Returns, ot.String())
				sig.returnTypes = append(sig.returnTypes, ot)
			}
			return sig
		}
	}

	// Textual fallback from the AST alone.
	for i, n := range names {
		p := Param{Name: n}
		if i < len(astTypes) {
			p.Type = astTypes[i]
		}
		sig.Params = append(sig.Params, p)
		sig.paramTypes = append(sig.paramTypes, nil)
	}
	return sig
}

// paramNamesFromSource parses the file and pulls the matching FuncDecl's
// parameter names and textual types.
func paramNamesFromSource(t Target) (names []string, types []string) {
	fd := findFuncDecl(t)
	if fd == nil || fd.Type.Params == nil {
		return nil, nil
	}
	for _, field := range fd.Type.Params.List {
		typeStr := typeText(field.Type)
		if len(field.Names) == 0 {
			names = append(names, "_")
			types = append(types, typeStr)
			continue
		}
		for _, n := range field.Names {
			names = append(names, n.Name)
			types = append(types, typeStr)
		}
	}
	return names, types
}

// findFuncDecl locates the target's definition in its source, or nil when
// the source is unavailable or does not parse.
func findFuncDecl(t Target) *ast.FuncDecl {
	if t.Source == "" {
		return nil
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, t.File, t.Source, parser.ParseComments)
	if err != nil {
		return nil
	}
	for _, d := range file.Decls {
		fd, ok := d.(*ast.FuncDecl)
		if !ok {
			continue
		}
		if fd.Name.Name == t.Identity.QualName {
			return fd
		}
	}
	return nil
}

func typeText(e ast.Expr) string {
	switch t := e.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.SelectorExpr:
		return typeText(t.X) + "." + t.Sel.Name
	case *ast.StarExpr:
		return "*" + typeText(t.X)
	case *ast.ArrayType:
		return "[]" + typeText(t.Elt)
	case *ast.MapType:
		return "map[" + typeText(t.Key) + "]" + typeText(t.Value)
	case *ast.Ellipsis:
		return "..." + typeText(t.Elt)
	case *ast.InterfaceType:
		return "interface{}"
	case *ast.FuncType:
		return "func"
	default:
		return "?"
	}
}
