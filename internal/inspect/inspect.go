// Package inspect derives static and dynamic views of a function: its
// signature, parsed documentation, AST-level facts, a JSON schema for its
// parameters and an MCP tool definition. Analyses are cached by identity and
// invalidated when the defining source changes.
package inspect

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"mystic/internal/identity"
)

// Target carries everything known about a function to analyze. Fn is an
// optional compiled func value; Source the optional full text of the
// defining file (always present for script functions).
type Target struct {
	Identity identity.Identity
	Fn       interface{}
	Source   string
	File     string
	Line     int
	Doc      string
}

// Analysis is the full inspection result.
type Analysis struct {
	Signature    Signature     `json:"signature"`
	Docs         Docs          `json:"docs"`
	AST          ASTInfo       `json:"ast"`
	Schema       *Schema       `json:"schema"`
	ReturnSchema *Schema       `json:"return_schema,omitempty"`
	Tool         MCPTool       `json:"mcp_tool"`
	Perf         PerfHints     `json:"performance_hints"`
	Security     SecurityHints `json:"security_hints"`
}

// MCPTool is the JSON-RPC tool definition derived from a function.
type MCPTool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	InputSchema *Schema `json:"inputSchema"`
}

type cached struct {
	analysis   *Analysis
	mtime      time.Time
	sourceHash string
}

// Inspector caches analyses keyed by identity. Invalidation triggers are a
// changed source mtime or a changed source hash; both checks run on every
// Inspect, the expensive analysis only on a miss. A filesystem watcher
// proactively evicts entries when their defining file is written.
type Inspector struct {
	mu      sync.Mutex
	cache   map[string]cached
	files   map[string][]string // file -> cached identity keys
	watcher *fsnotify.Watcher
	done    chan struct{}
	log     *zap.Logger
}

// New creates an Inspector. The filesystem watcher is best-effort: when it
// cannot be created, invalidation falls back to the per-Inspect checks.
func New(log *zap.Logger) *Inspector {
	if log == nil {
		log = zap.NewNop()
	}
	ins := &Inspector{
		cache: make(map[string]cached),
		files: make(map[string][]string),
		done:  make(chan struct{}),
		log:   log,
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug("fsnotify unavailable, relying on mtime checks", zap.Error(err))
		return ins
	}
	ins.watcher = w
	go ins.watchLoop()
	return ins
}

// Close stops the filesystem watcher.
func (ins *Inspector) Close() error {
	close(ins.done)
	if ins.watcher != nil {
		return ins.watcher.Close()
	}
	return nil
}

func (ins *Inspector) watchLoop() {
	for {
		select {
		case <-ins.done:
			return
		case ev, ok := <-ins.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				ins.evictFile(ev.Name)
			}
		case err, ok := <-ins.watcher.Errors:
			if !ok {
				return
			}
			ins.log.Debug("watch error", zap.Error(err))
		}
	}
}

func (ins *Inspector) evictFile(file string) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	for _, key := range ins.files[file] {
		delete(ins.cache, key)
	}
	delete(ins.files, file)
}

// Inspect analyzes a target, reusing the cached analysis while the source is
// unchanged.
func (ins *Inspector) Inspect(t Target) (*Analysis, error) {
	key := t.Identity.String()
	srcHash := hashSource(t.Source)
	mtime := fileMtime(t.File)

	ins.mu.Lock()
	if c, ok := ins.cache[key]; ok {
		fresh := c.sourceHash == srcHash
		if !c.mtime.IsZero() && !mtime.Equal(c.mtime) {
			fresh = false
		}
		if fresh {
			ins.mu.Unlock()
			return c.analysis, nil
		}
		delete(ins.cache, key)
	}
	ins.mu.Unlock()

	a, err := analyze(t)
	if err != nil {
		return nil, err
	}

	ins.mu.Lock()
	ins.cache[key] = cached{analysis: a, mtime: mtime, sourceHash: srcHash}
	if t.File != "" {
		ins.files[t.File] = appendUnique(ins.files[t.File], key)
		if ins.watcher != nil {
			if err := ins.watcher.Add(t.File); err != nil {
				ins.log.Debug("cannot watch source file", zap.String("file", t.File), zap.Error(err))
			}
		}
	}
	ins.mu.Unlock()
	return a, nil
}

// Invalidate drops the cached analysis for id.
func (ins *Inspector) Invalidate(id identity.Identity) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	delete(ins.cache, id.String())
}

func hashSource(src string) string {
	if src == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}

func fileMtime(path string) time.Time {
	if path == "" {
		return time.Time{}
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// analyze is the uncached path.
func analyze(t Target) (*Analysis, error) {
	sig := buildSignature(t)
	docs := ParseDocs(pickDoc(t))
	astInfo := analyzeAST(t)

	schema := buildInputSchema(sig)
	returnSchema := buildReturnSchema(sig)

	desc := docs.Summary
	if desc == "" {
		desc = sig.QualName
	}

	return &Analysis{
		Signature:    sig,
		Docs:         docs,
		AST:          astInfo,
		Schema:       schema,
		ReturnSchema: returnSchema,
		Tool: MCPTool{
			Name:        sig.QualName,
			Description: desc,
			InputSchema: schema,
		},
		Perf:     astInfo.perf,
		Security: astInfo.security,
	}, nil
}

func pickDoc(t Target) string {
	if t.Doc != "" {
		return t.Doc
	}
	return ""
}
