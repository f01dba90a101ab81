package cil

import "fmt"

// Instruction is a single bytecode operation inside a method body. Branch
// operands hold *Instruction pointers while in memory; the codec converts
// them to list indices on disk.
type Instruction struct {
	OpCode  OpCode
	Operand any

	// Offset is the byte offset of this instruction within the encoded
	// body. It is only meaningful after Body.computeOffsets.
	Offset int
}

// NewInstruction builds an instruction with a raw operand.
func NewInstruction(op OpCode, operand any) *Instruction {
	return &Instruction{OpCode: op, Operand: operand}
}

// Ldstr builds a string-literal push.
func Ldstr(value string) *Instruction {
	return NewInstruction(OpLdstr, value)
}

// LdcI4 builds a 4-byte integer constant push.
func LdcI4(value int32) *Instruction {
	return NewInstruction(OpLdcI4, value)
}

// CallRef builds a call to the referenced method.
func CallRef(ref *MemberRef) *Instruction {
	return NewInstruction(OpCall, ref)
}

// Branch builds a branch instruction targeting another instruction of the
// same body.
func Branch(op OpCode, target *Instruction) *Instruction {
	return NewInstruction(op, target)
}

// Target returns the branch target, or nil when the instruction is not a
// branch.
func (i *Instruction) Target() *Instruction {
	if !i.OpCode.IsBranch() {
		return nil
	}

	target, _ := i.Operand.(*Instruction)

	return target
}

// Targets returns the switch jump table, or nil for non-switch instructions.
func (i *Instruction) Targets() []*Instruction {
	if i.OpCode.Operand != OperandSwitch {
		return nil
	}

	targets, _ := i.Operand.([]*Instruction)

	return targets
}

// Size returns the encoded size of the instruction in bytes: a 2-byte
// opcode plus its operand.
func (i *Instruction) Size() int {
	const opcodeSize = 2

	switch i.OpCode.Operand {
	case OperandNone:
		return opcodeSize
	case OperandInt8, OperandShortBranch:
		return opcodeSize + 1
	case OperandInt32, OperandBranch, OperandString, OperandMethod:
		return opcodeSize + 4
	case OperandSwitch:
		return opcodeSize + 4 + 4*len(i.Targets())
	}

	return opcodeSize
}

func (i *Instruction) String() string {
	if i.OpCode.Operand == OperandNone {
		return fmt.Sprintf("IL_%04x: %s", i.Offset, i.OpCode.Name)
	}

	return fmt.Sprintf("IL_%04x: %s %v", i.Offset, i.OpCode.Name, i.Operand)
}
