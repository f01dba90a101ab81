// Package instrument walks an assembly's structure and rewrites method
// bodies in place, inserting the calls that feed the runtime recorder.
package instrument

import (
	"iter"

	"ilcov.dev/pkg/ilcov/internal/cil"
	"ilcov.dev/pkg/ilcov/internal/filter"
)

// Event is one step of the traversal: a pre-order visit of the assembly
// tree followed by selective post-order events. Included flags come from
// the inclusion oracle and are immutable once produced.
type Event interface {
	isEvent()
}

type (
	// StartEvent opens a traversal.
	StartEvent struct{}

	// AssemblyEvent announces the assembly under traversal.
	AssemblyEvent struct {
		Assembly *cil.Assembly
		Included bool
	}

	// ModuleEvent announces a module of the current assembly.
	ModuleEvent struct {
		Module   *cil.Module
		Included bool
	}

	// TypeEvent announces a type of the current module.
	TypeEvent struct {
		Type     *cil.TypeDef
		Included bool
	}

	// MethodEvent announces a method of the current type.
	MethodEvent struct {
		Method   *cil.Method
		Included bool
	}

	// PointEvent carries one included sequence point and the 0-based id
	// assigned to it. Excluded points never produce an event, so
	// Included always holds by construction.
	PointEvent struct {
		Point    *cil.SequencePoint
		PointID  int
		Included bool
	}

	// AfterMethodEvent closes the current method.
	AfterMethodEvent struct {
		Included bool
	}

	// AfterModuleEvent closes the current module.
	AfterModuleEvent struct{}

	// AfterAssemblyEvent closes the assembly; the visitor commits the
	// instrumented binary here.
	AfterAssemblyEvent struct {
		Assembly *cil.Assembly
	}

	// FinishEvent closes the traversal.
	FinishEvent struct{}
)

func (StartEvent) isEvent()         {}
func (AssemblyEvent) isEvent()      {}
func (ModuleEvent) isEvent()        {}
func (TypeEvent) isEvent()          {}
func (MethodEvent) isEvent()        {}
func (PointEvent) isEvent()         {}
func (AfterMethodEvent) isEvent()   {}
func (AfterModuleEvent) isEvent()   {}
func (AfterAssemblyEvent) isEvent() {}
func (FinishEvent) isEvent()        {}

// events lazily produces the finite, non-restartable traversal sequence
// for one assembly, consulting the oracle once per unit.
//
// Point ids count 0-based per module and run through each method's
// sequence points in reverse document order. The report merge enumerates a
// module's elements per-method-reversed in document order, so the two
// numberings line up; this ordering is the correlation contract between
// instrumentation time and report time.
func events(asm *cil.Assembly, oracle filter.Oracle) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if !yield(StartEvent{}) {
			return
		}

		asmIncluded := oracle.IncludeAssembly(asm)
		if !yield(AssemblyEvent{Assembly: asm, Included: asmIncluded}) {
			return
		}

		for _, mod := range asm.Modules {
			modIncluded := asmIncluded && oracle.IncludeModule(mod)
			if !yield(ModuleEvent{Module: mod, Included: modIncluded}) {
				return
			}

			pointID := 0

			for _, t := range mod.Types {
				typeIncluded := modIncluded && oracle.IncludeType(t)
				if !yield(TypeEvent{Type: t, Included: typeIncluded}) {
					return
				}

				for _, method := range t.Methods {
					methodIncluded := typeIncluded && oracle.IncludeMethod(method)
					if !yield(MethodEvent{Method: method, Included: methodIncluded}) {
						return
					}

					if methodIncluded {
						for i := len(method.SequencePoints) - 1; i >= 0; i-- {
							sp := method.SequencePoints[i]
							if !oracle.IncludePoint(method, sp) {
								continue
							}

							if !yield(PointEvent{Point: sp, PointID: pointID, Included: true}) {
								return
							}

							pointID++
						}
					}

					if !yield(AfterMethodEvent{Included: methodIncluded}) {
						return
					}
				}
			}

			if !yield(AfterModuleEvent{}) {
				return
			}
		}

		if !yield(AfterAssemblyEvent{Assembly: asm}) {
			return
		}

		yield(FinishEvent{})
	}
}
