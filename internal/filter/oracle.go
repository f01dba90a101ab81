// Package filter defines the inclusion boundary the instrumentation
// traversal consults. The full filtering language lives outside this tool;
// the traversal only ever sees per-unit booleans.
package filter

import "ilcov.dev/pkg/ilcov/internal/cil"

// Oracle answers, per traversal unit, whether the unit is in scope for
// instrumentation. Answers are consumed once per unit and treated as
// immutable for that visit.
type Oracle interface {
	IncludeAssembly(asm *cil.Assembly) bool
	IncludeModule(mod *cil.Module) bool
	IncludeType(t *cil.TypeDef) bool
	IncludeMethod(method *cil.Method) bool
	IncludePoint(method *cil.Method, sp *cil.SequencePoint) bool
}

// All includes every unit. The zero value is ready to use.
type All struct{}

func (All) IncludeAssembly(*cil.Assembly) bool                { return true }
func (All) IncludeModule(*cil.Module) bool                    { return true }
func (All) IncludeType(*cil.TypeDef) bool                     { return true }
func (All) IncludeMethod(*cil.Method) bool                    { return true }
func (All) IncludePoint(*cil.Method, *cil.SequencePoint) bool { return true }

// Assemblies includes only assemblies whose names appear in the list, and
// everything beneath them.
type Assemblies map[string]bool

// NewAssemblies builds an assembly-name allow-list oracle. An empty list
// includes everything.
func NewAssemblies(names []string) Assemblies {
	set := make(Assemblies, len(names))
	for _, name := range names {
		set[name] = true
	}

	return set
}

func (a Assemblies) IncludeAssembly(asm *cil.Assembly) bool {
	if len(a) == 0 {
		return true
	}

	return a[asm.Identity.Name]
}

func (a Assemblies) IncludeModule(*cil.Module) bool                    { return true }
func (a Assemblies) IncludeType(*cil.TypeDef) bool                     { return true }
func (a Assemblies) IncludeMethod(method *cil.Method) bool             { return method.Body != nil }
func (a Assemblies) IncludePoint(*cil.Method, *cil.SequencePoint) bool { return true }
