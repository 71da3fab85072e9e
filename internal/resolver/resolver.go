// Package resolver implements the Path Resolver (PR): the pure function
// that decides, for a given host path and intent, whether an intercepted
// filesystem call should pass through unchanged, redirect to a different
// real path, be answered synthetically from the virtual tree, be denied,
// or be redirected into an overlay for a new file.
package resolver

import (
	"os"
	"path"
	"strings"

	"usvfscore/internal/config"
	"usvfscore/internal/usvfserrors"
	"usvfscore/internal/vtree"
)

// IntentKind enumerates the operations an intercepted call can be about
// to perform.
type IntentKind int

const (
	KindOpenExisting IntentKind = iota
	KindOpenCreate
	KindEnumerate
	KindDelete
	KindRename
)

func (k IntentKind) String() string {
	switch k {
	case KindOpenExisting:
		return "open_existing"
	case KindOpenCreate:
		return "open_create"
	case KindEnumerate:
		return "enumerate"
	case KindDelete:
		return "delete"
	case KindRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Intent is the operation an intercepted call is about to perform.
// Target is only meaningful when Kind is KindRename — the normalized
// destination path, supplied by the caller.
type Intent struct {
	Kind   IntentKind
	Target string
}

// The no-argument intents, for callers that don't need Rename's Target.
var (
	OpenExisting = Intent{Kind: KindOpenExisting}
	OpenCreate   = Intent{Kind: KindOpenCreate}
	Enumerate    = Intent{Kind: KindEnumerate}
	Delete       = Intent{Kind: KindDelete}
)

// RenameTo returns the Rename intent targeting target.
func RenameTo(target string) Intent { return Intent{Kind: KindRename, Target: target} }

// Action is the sum type Resolve returns. The unexported method confines
// implementations to this package's five variants.
type Action interface {
	isAction()
}

// Passthrough forwards the call with RealPath unchanged from the input.
type Passthrough struct{ RealPath string }

// Redirect forwards the call with a rewritten real path.
type Redirect struct{ RealPath string }

// Synthesize answers the call from the virtual tree itself, without
// forwarding to any real path.
type Synthesize struct{ Kind vtree.NodeKind }

// Deny answers as if the target does not exist (or per Reason generally).
type Deny struct{ Reason error }

// CreateInOverlay is an OpenCreate that must land under the configured
// overlay root.
type CreateInOverlay struct{ RealPath string }

func (Passthrough) isAction()     {}
func (Redirect) isAction()        {}
func (Synthesize) isAction()      {}
func (Deny) isAction()            {}
func (CreateInOverlay) isAction() {}

// normalize collapses separators (backslashes become slashes) and
// resolves "." and ".." in hostPath, rejecting empty or over-long
// results. Case is kept as given: the tombstone table and the tree fold
// case in their own lookups.
func normalize(hostPath string) (string, error) {
	if hostPath == "" {
		return "", usvfserrors.New(usvfserrors.OpResolve, hostPath, usvfserrors.InvalidPath)
	}
	slashed := strings.ReplaceAll(hostPath, `\`, "/")
	clean := path.Clean("/" + slashed)
	if len(clean) > 4096 {
		return "", usvfserrors.New(usvfserrors.OpResolve, hostPath, usvfserrors.InvalidPath)
	}
	return clean, nil
}

// Resolve implements the seven-step algorithm: normalize, tombstone
// check, VT longest-prefix walk, synthetic short-circuit, real-path
// probe, overlay-on-create, passthrough fallback. It is a pure function
// over the already-held guard: it never acquires a write guard or
// mutates cfg/tree itself.
func Resolve(cfg *config.Config, tree *vtree.Tree, overlayRoot, hostPath string, intent Intent) (Action, error) {
	normalized, err := normalize(hostPath)
	if err != nil {
		return nil, err
	}

	if intent.Kind == KindOpenExisting || intent.Kind == KindDelete || intent.Kind == KindRename {
		if tombstoned, err := cfg.DeletedFiles().Exists(normalized); err != nil {
			return nil, err
		} else if tombstoned {
			return Deny{Reason: usvfserrors.NotFound}, nil
		}
	}

	node, suffix, err := longestMatch(tree, normalized)
	if err != nil {
		return nil, err
	}

	// node.Name == "" only for the tree's own root, which vtree.New
	// always flags synthetic as a structural merge point, not because
	// "/" itself lacks a real backing — so the root is exempted from
	// this short-circuit and falls through to the passthrough/overlay
	// logic below like any other unmapped path.
	if node != nil && node.Name != "" && node.Flags&vtree.FlagSynthetic != 0 && len(suffix) == 0 {
		return Synthesize{Kind: node.Kind}, nil
	}

	if node != nil && node.RealPath != "" {
		candidate := node.RealPath
		if len(suffix) > 0 {
			candidate = path.Join(append([]string{node.RealPath}, suffix...)...)
		}
		switch intent.Kind {
		case KindOpenExisting, KindDelete, KindEnumerate, KindRename:
			if _, err := os.Lstat(candidate); err == nil {
				return Redirect{RealPath: candidate}, nil
			}
		}
	}

	if intent.Kind == KindOpenCreate {
		return CreateInOverlay{RealPath: path.Join(overlayRoot, normalized)}, nil
	}

	return Passthrough{RealPath: hostPath}, nil
}

// longestMatch walks tree component by component from the root, returning
// the deepest matching VNode and the unmatched suffix components. It
// returns (nil, parts, nil), with every component unmatched, if not even
// the first component names a child of the root. The path "/" itself
// matches the tree's root.
func longestMatch(tree *vtree.Tree, normalized string) (*vtree.VNode, []string, error) {
	node, ok := tree.Lookup(normalized)
	if ok {
		return node, nil, nil
	}

	parts := strings.Split(strings.Trim(normalized, "/"), "/")
	for i := len(parts) - 1; i > 0; i-- {
		prefix := "/" + strings.Join(parts[:i], "/")
		if n, ok := tree.Lookup(prefix); ok {
			return n, parts[i:], nil
		}
	}
	return nil, parts, nil
}
