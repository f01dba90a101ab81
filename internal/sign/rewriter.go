package sign

import (
	"log/slog"
	"sync"

	"ilcov.dev/pkg/ilcov/internal/cil"
)

// Rewriter computes the new signing identity of instrumented assemblies.
// With no replacement key configured it strips signing; with one configured
// it re-signs assemblies that were originally signed and leaves unsigned
// ones alone. One Rewriter is shared by every assembly of a run, so the
// substitution table is guarded for concurrent RewriteRefs callers.
type Rewriter struct {
	replacement *KeyPair

	mu            sync.Mutex
	substitutions map[string]string
}

// NewRewriter builds a rewriter. replacement may be nil, meaning
// strip-signing mode.
func NewRewriter(replacement *KeyPair) *Rewriter {
	return &Rewriter{
		replacement:   replacement,
		substitutions: make(map[string]string),
	}
}

// NewIdentity applies the signing decision to a single identity.
func (r *Rewriter) NewIdentity(id cil.AssemblyIdentity) cil.AssemblyIdentity {
	out := id

	switch {
	case r.replacement == nil:
		out.PublicKey = nil
		out.PublicKeyToken = nil
	case id.Signed():
		out.PublicKey = r.replacement.Public
		out.PublicKeyToken = r.replacement.Token()
	default:
		out.PublicKey = nil
		out.PublicKeyToken = nil
	}

	return out
}

// RewriteRefs applies the signing decision to every outgoing reference
// whose target is in the instrumented-assembly allow-list. References whose
// textual identity actually changed are recorded in the substitution table.
func (r *Rewriter) RewriteRefs(asm *cil.Assembly, allowList map[string]bool) {
	for i, ref := range asm.Refs {
		if !allowList[ref.Name] {
			continue
		}

		rewritten := r.NewIdentity(ref)
		if rewritten.FullName() != ref.FullName() {
			r.mu.Lock()
			r.substitutions[ref.FullName()] = rewritten.FullName()
			r.mu.Unlock()
			slog.Debug("rewrote assembly reference",
				"from", ref.FullName(),
				"to", rewritten.FullName(),
			)
		}

		asm.Refs[i] = rewritten
	}
}

// Substitutions exposes a copy of the diagnostic table of changed reference
// identities. Nothing in the rewrite pipeline consults it.
func (r *Rewriter) Substitutions() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.substitutions))
	for from, to := range r.substitutions {
		out[from] = to
	}

	return out
}
