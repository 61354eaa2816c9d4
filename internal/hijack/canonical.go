package hijack

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"mystic/internal/identity"
)

// Canonicalization renders call arguments into a stable textual form used
// for cache keys. Maps are rendered with sorted keys, sequences element-wise
// in order, and everything else through a repr. Reprs that embed memory
// addresses are unstable across processes, so they mark the whole key
// unstable; strict-mode caching refuses such keys.

var addrPattern = regexp.MustCompile(`0x[0-9a-f]{6,}`)

// canonical renders v and reports whether the rendering is stable.
func canonical(v interface{}) (string, bool) {
	var b strings.Builder
	stable := writeCanonical(&b, reflect.ValueOf(v), 0)
	return b.String(), stable
}

const maxCanonicalDepth = 16

func writeCanonical(b *strings.Builder, rv reflect.Value, depth int) bool {
	if depth > maxCanonicalDepth {
		b.WriteString("<depth>")
		return false
	}
	if !rv.IsValid() {
		b.WriteString("nil")
		return true
	}
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr:
		if rv.IsNil() {
			b.WriteString("nil")
			return true
		}
		return writeCanonical(b, rv.Elem(), depth+1)
	case reflect.String:
		fmt.Fprintf(b, "%q", rv.String())
		return true
	case reflect.Bool:
		fmt.Fprintf(b, "%t", rv.Bool())
		return true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		fmt.Fprintf(b, "%d", rv.Int())
		return true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		fmt.Fprintf(b, "%d", rv.Uint())
		return true
	case reflect.Float32, reflect.Float64:
		fmt.Fprintf(b, "%g", rv.Float())
		return true
	case reflect.Slice, reflect.Array:
		b.WriteByte('[')
		stable := true
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			if !writeCanonical(b, rv.Index(i), depth+1) {
				stable = false
			}
		}
		b.WriteByte(']')
		return stable
	case reflect.Map:
		// Ordered tuple form: sort rendered keys for a stable traversal.
		type kv struct{ k, v string }
		entries := make([]kv, 0, rv.Len())
		stable := true
		iter := rv.MapRange()
		for iter.Next() {
			var kb, vb strings.Builder
			if !writeCanonical(&kb, iter.Key(), depth+1) {
				stable = false
			}
			if !writeCanonical(&vb, iter.Value(), depth+1) {
				stable = false
			}
			entries = append(entries, kv{kb.String(), vb.String()})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].k < entries[j].k })
		b.WriteByte('{')
		for i, e := range entries {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(e.k)
			b.WriteByte(':')
			b.WriteString(e.v)
		}
		b.WriteByte('}')
		return stable
	case reflect.Struct:
		t := rv.Type()
		fmt.Fprintf(b, "%s(", t.Name())
		stable := true
		for i := 0; i < rv.NumField(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(t.Field(i).Name)
			b.WriteByte('=')
			if !t.Field(i).IsExported() {
				b.WriteString("<unexported>")
				continue
			}
			if !writeCanonical(b, rv.Field(i), depth+1) {
				stable = false
			}
		}
		b.WriteByte(')')
		return stable
	default:
		// Funcs, channels and friends fall back to the runtime repr, which
		// embeds an address and is therefore unstable.
		repr := fmt.Sprintf("%v", rv)
		b.WriteString(repr)
		return !addrPattern.MatchString(repr)
	}
}

// cacheKey hashes identity plus canonical args and kwargs into the on-disk
// key: sha256(identity || canonical(args) || canonical(kwargs)).
func cacheKey(id identity.Identity, args []interface{}, kwargs map[string]interface{}) (string, bool) {
	argsRepr, argsStable := canonical(args)
	kwargsRepr, kwargsStable := canonical(kwargs)
	h := sha256.New()
	h.Write([]byte(id.String()))
	h.Write([]byte{0})
	h.Write([]byte(argsRepr))
	h.Write([]byte{0})
	h.Write([]byte(kwargsRepr))
	return hex.EncodeToString(h.Sum(nil)), argsStable && kwargsStable
}
