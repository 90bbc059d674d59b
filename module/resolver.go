package module

import (
	"path"
	"strings"
	"sync"
)

// DefaultExtensions are probed, in order, after the exact path.
var DefaultExtensions = []string{".js", ".json", ".wasm"}

// Resolver maps a specifier and the requesting module to an Identity. Bare
// names resolve against one flat modules root; relative specifiers against
// the requesting module's directory. It only consults Source.HasSource.
type Resolver struct {
	src        Source
	extensions []string

	mu   sync.RWMutex
	root Identity
}

// NewResolver creates a resolver over src. An empty root is set later,
// typically to the entry module's directory.
func NewResolver(src Source, root string, extensions ...string) *Resolver {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	r := &Resolver{src: src, extensions: extensions}
	if root != "" {
		r.root = Canonical(root)
	}
	return r
}

// Root returns the modules root, or "" if none was set.
func (r *Resolver) Root() Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root
}

// SetRoot sets the modules root used for bare names.
func (r *Resolver) SetRoot(dir string) {
	r.mu.Lock()
	r.root = Canonical(dir)
	r.mu.Unlock()
}

// Resolve returns the identity for specifier as required from from. An
// empty from means the host is asking (entry modules).
func (r *Resolver) Resolve(specifier string, from Identity) (Identity, error) {
	if specifier == "" {
		return "", &ResolutionError{Specifier: specifier, From: from}
	}

	var base string
	switch {
	case strings.HasPrefix(specifier, "/"):
		base = specifier
	case isRelative(specifier) && from != "":
		base = path.Join(from.Dir(), specifier)
	default:
		base = path.Join(string(r.rootDir()), specifier)
	}

	candidates := r.candidates(Canonical(base), specifier)
	for _, c := range candidates {
		if r.src.HasSource(string(c)) {
			return c, nil
		}
	}
	return "", &ResolutionError{Specifier: specifier, From: from, Tried: candidates}
}

func (r *Resolver) rootDir() Identity {
	root := r.Root()
	if root == "" {
		return "/"
	}
	return root
}

func (r *Resolver) candidates(base Identity, specifier string) []Identity {
	out := make([]Identity, 0, len(r.extensions)+2)
	if !strings.HasSuffix(specifier, "/") {
		out = append(out, base)
		for _, ext := range r.extensions {
			out = append(out, Identity(string(base)+ext))
		}
	}
	out = append(out, Identity(path.Join(string(base), "index.js")))
	return out
}

func isRelative(specifier string) bool {
	return specifier == "." || specifier == ".." ||
		strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../")
}
