package scripts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mystic/internal/identity"
)

const calcScript = `package calc

// Add returns the sum of two ints.
//
// Args:
//   a: first addend
//   b: second addend
func Add(a, b int) int {
	return a + b
}

// Shout appends an exclamation mark.
func Shout(s string) string {
	out := ""
	for _, r := range s {
		out += string(r)
	}
	return out + "!"
}

func hidden() int { return 1 }
`

func TestLoadAndCall(t *testing.T) {
	table := NewTable()
	loader := NewLoader(table, nil)

	ids, err := loader.Load("calc", calcScript)
	require.NoError(t, err)
	require.Len(t, ids, 2) // hidden stays inside the interpreted package

	v, err := table.Call(identity.New("calc", "Add"), []interface{}{2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	v, err = table.Call(identity.New("calc", "Shout"), []interface{}{"hey"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hey!", v)
}

func TestDiscoverFiltersPrivate(t *testing.T) {
	table := NewTable()
	loader := NewLoader(table, nil)
	_, err := loader.Load("calc", calcScript)
	require.NoError(t, err)

	_, err = table.RegisterNative("calc", "lowered", func() {})
	require.NoError(t, err)

	funcs := table.Discover(DiscoverOptions{})
	names := make([]string, 0, len(funcs))
	for _, f := range funcs {
		names = append(names, f.Identity.QualName)
	}
	assert.Equal(t, []string{"Add", "Shout"}, names)

	all := table.Discover(DiscoverOptions{IncludePrivate: true})
	assert.Len(t, all, 3)
}

func TestDiscoverModuleFilter(t *testing.T) {
	table := NewTable()
	loader := NewLoader(table, nil)
	_, err := loader.Load("calc", calcScript)
	require.NoError(t, err)
	_, err = table.RegisterNative("other", "Noop", func() {})
	require.NoError(t, err)

	funcs := table.Discover(DiscoverOptions{ModuleFilter: "calc"})
	for _, f := range funcs {
		assert.Equal(t, "calc", f.Identity.Module)
	}
}

func TestFunctionMetadata(t *testing.T) {
	table := NewTable()
	loader := NewLoader(table, nil)
	_, err := loader.Load("calc", calcScript)
	require.NoError(t, err)

	f, ok := table.Lookup(identity.New("calc", "Add"))
	require.True(t, ok)
	assert.True(t, f.Scripted)
	assert.Contains(t, f.Signature, "Add(a int, b int) int")
	assert.Contains(t, f.Doc, "sum of two ints")
	assert.Greater(t, f.Line, 1)
	assert.NotEmpty(t, f.Source)
}

func TestImportAllowlist(t *testing.T) {
	table := NewTable()
	loader := NewLoader(table, nil)

	_, err := loader.Load("bad", `package bad

import "os/exec"

func Run() { _ = exec.Command }
`)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not allowed"))

	_, err = loader.Load("good", `package good

import "strings"

func Up(s string) string { return strings.ToUpper(s) }
`)
	require.NoError(t, err)
}

func TestDuplicateRegistration(t *testing.T) {
	table := NewTable()
	loader := NewLoader(table, nil)
	_, err := loader.Load("calc", calcScript)
	require.NoError(t, err)
	_, err = loader.Load("calc", calcScript)
	require.Error(t, err)
}

func TestBindAndRestore(t *testing.T) {
	table := NewTable()
	loader := NewLoader(table, nil)
	_, err := loader.Load("calc", calcScript)
	require.NoError(t, err)

	id := identity.New("calc", "Add")
	require.False(t, table.Hijacked(id))

	err = table.Bind(id, func([]interface{}, map[string]interface{}) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.True(t, table.Hijacked(id))

	v, err := table.Call(id, []interface{}{1, 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	require.NoError(t, table.Restore(id))
	v, err = table.Call(id, []interface{}{1, 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	require.False(t, table.Hijacked(id))
}
