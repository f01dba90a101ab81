package cil

import "fmt"

// HandlerKind distinguishes the four exception-handler region shapes.
type HandlerKind uint8

const (
	HandlerCatch HandlerKind = iota
	HandlerFilter
	HandlerFinally
	HandlerFault
)

// ExceptionHandler marks a protected region of a method body. All boundary
// fields reference instructions of the same body; FilterStart is nil unless
// Kind is HandlerFilter.
type ExceptionHandler struct {
	Kind         HandlerKind
	TryStart     *Instruction
	TryEnd       *Instruction
	HandlerStart *Instruction
	HandlerEnd   *Instruction
	FilterStart  *Instruction
}

// Body is an editable method body: an ordered instruction list plus the
// exception-handler regions defined over it.
type Body struct {
	MaxStack     int
	Instructions []*Instruction
	Handlers     []*ExceptionHandler
}

// Index returns the position of the instruction in the list, or -1.
func (b *Body) Index(instr *Instruction) int {
	for i, candidate := range b.Instructions {
		if candidate == instr {
			return i
		}
	}

	return -1
}

// InsertBefore places the prologue instructions immediately before target
// and retargets every branch operand, switch-table entry and handler
// boundary that referenced target so that it references the first inserted
// instruction instead. A jump left pointing at the original target would
// skip the prologue, silently losing a hit.
func (b *Body) InsertBefore(target *Instruction, prologue ...*Instruction) error {
	if len(prologue) == 0 {
		return nil
	}

	idx := b.Index(target)
	if idx < 0 {
		return fmt.Errorf("insert before %s: instruction not in body", target)
	}

	b.Instructions = append(b.Instructions[:idx], append(append([]*Instruction{}, prologue...), b.Instructions[idx:]...)...)

	b.retarget(target, prologue[0], prologue)

	return nil
}

// retarget substitutes references to old with new across branches, switch
// tables and handler boundaries. Instructions belonging to the freshly
// inserted prologue are left alone.
func (b *Body) retarget(old, new *Instruction, inserted []*Instruction) {
	skip := make(map[*Instruction]struct{}, len(inserted))
	for _, instr := range inserted {
		skip[instr] = struct{}{}
	}

	for _, instr := range b.Instructions {
		if _, ok := skip[instr]; ok {
			continue
		}

		switch instr.OpCode.Operand {
		case OperandBranch, OperandShortBranch:
			if instr.Target() == old {
				instr.Operand = new
			}
		case OperandSwitch:
			targets := instr.Targets()
			for i, t := range targets {
				if t == old {
					targets[i] = new
				}
			}
		}
	}

	for _, h := range b.Handlers {
		if h.TryStart == old {
			h.TryStart = new
		}
		if h.TryEnd == old {
			h.TryEnd = new
		}
		if h.HandlerStart == old {
			h.HandlerStart = new
		}
		if h.HandlerEnd == old {
			h.HandlerEnd = new
		}
		if h.FilterStart == old {
			h.FilterStart = new
		}
	}
}

// computeOffsets assigns byte offsets to every instruction from the current
// encodings.
func (b *Body) computeOffsets() {
	offset := 0
	for _, instr := range b.Instructions {
		instr.Offset = offset
		offset += instr.Size()
	}
}

// SimplifyBranches expands every short-form branch to its 4-byte form so
// that subsequent insertions can move targets arbitrarily far.
func (b *Body) SimplifyBranches() {
	for _, instr := range b.Instructions {
		if long, ok := toLongForm[instr.OpCode.Code]; ok {
			instr.OpCode = long
		}
	}

	b.computeOffsets()
}

// OptimizeBranches re-compacts branches to their short forms wherever the
// displacement still fits in a signed byte, absorbing the offset shifts
// introduced by instrumentation. Compacting one branch can bring another
// into short range, so it iterates to a fixpoint.
func (b *Body) OptimizeBranches() {
	b.computeOffsets()

	for changed := true; changed; {
		changed = false

		for _, instr := range b.Instructions {
			short, ok := toShortForm[instr.OpCode.Code]
			if !ok {
				continue
			}

			target := instr.Target()
			if target == nil {
				continue
			}

			// Displacement is measured from the end of the
			// would-be short instruction.
			delta := target.Offset - (instr.Offset + 3)
			if delta >= -128 && delta <= 127 {
				instr.OpCode = short
				b.computeOffsets()
				changed = true
			}
		}
	}
}
