// Package cil models the portable intermediate-bytecode container that ilcov
// instruments: assemblies holding modules, types and methods whose bodies are
// stack-machine instruction lists with exception-handler regions and
// source-mapped sequence points.
package cil

// OperandKind describes the encoding of an instruction operand.
type OperandKind uint8

const (
	// OperandNone marks instructions without an operand.
	OperandNone OperandKind = iota
	// OperandString is a string literal operand (ldstr).
	OperandString
	// OperandInt32 is a 4-byte integer constant.
	OperandInt32
	// OperandInt8 is a 1-byte integer constant.
	OperandInt8
	// OperandBranch is a 4-byte branch target.
	OperandBranch
	// OperandShortBranch is a 1-byte branch target.
	OperandShortBranch
	// OperandSwitch is a jump table of branch targets.
	OperandSwitch
	// OperandMethod is a reference to a method in this or another assembly.
	OperandMethod
)

// OpCode identifies a bytecode operation and the shape of its operand.
type OpCode struct {
	Code    uint16
	Name    string
	Operand OperandKind
}

var (
	OpNop        = OpCode{0x00, "nop", OperandNone}
	OpLdcI4S     = OpCode{0x1f, "ldc.i4.s", OperandInt8}
	OpLdcI4      = OpCode{0x20, "ldc.i4", OperandInt32}
	OpDup        = OpCode{0x25, "dup", OperandNone}
	OpPop        = OpCode{0x26, "pop", OperandNone}
	OpCall       = OpCode{0x28, "call", OperandMethod}
	OpRet        = OpCode{0x2a, "ret", OperandNone}
	OpBrS        = OpCode{0x2b, "br.s", OperandShortBranch}
	OpBrfalseS   = OpCode{0x2c, "brfalse.s", OperandShortBranch}
	OpBrtrueS    = OpCode{0x2d, "brtrue.s", OperandShortBranch}
	OpBeqS       = OpCode{0x2e, "beq.s", OperandShortBranch}
	OpBr         = OpCode{0x38, "br", OperandBranch}
	OpBrfalse    = OpCode{0x39, "brfalse", OperandBranch}
	OpBrtrue     = OpCode{0x3a, "brtrue", OperandBranch}
	OpBeq        = OpCode{0x3b, "beq", OperandBranch}
	OpSwitch     = OpCode{0x45, "switch", OperandSwitch}
	OpLdstr      = OpCode{0x72, "ldstr", OperandString}
	OpThrow      = OpCode{0x7a, "throw", OperandNone}
	OpAdd        = OpCode{0x58, "add", OperandNone}
	OpSub        = OpCode{0x59, "sub", OperandNone}
	OpMul        = OpCode{0x5a, "mul", OperandNone}
	OpLeave      = OpCode{0xdd, "leave", OperandBranch}
	OpLeaveS     = OpCode{0xde, "leave.s", OperandShortBranch}
	OpEndfilter  = OpCode{0x11fe, "endfilter", OperandNone}
	OpEndfinally = OpCode{0xdc, "endfinally", OperandNone}
)

// opcodes indexes every known opcode by code value for decoding.
var opcodes = func() map[uint16]OpCode {
	all := []OpCode{
		OpNop, OpLdcI4S, OpLdcI4, OpDup, OpPop, OpCall, OpRet,
		OpBrS, OpBrfalseS, OpBrtrueS, OpBeqS,
		OpBr, OpBrfalse, OpBrtrue, OpBeq,
		OpSwitch, OpLdstr, OpThrow, OpAdd, OpSub, OpMul,
		OpLeave, OpLeaveS, OpEndfilter, OpEndfinally,
	}

	m := make(map[uint16]OpCode, len(all))
	for _, op := range all {
		m[op.Code] = op
	}

	return m
}()

// toLongForm maps short branch forms to their 4-byte equivalents.
var toLongForm = map[uint16]OpCode{
	OpBrS.Code:      OpBr,
	OpBrfalseS.Code: OpBrfalse,
	OpBrtrueS.Code:  OpBrtrue,
	OpBeqS.Code:     OpBeq,
	OpLeaveS.Code:   OpLeave,
}

// toShortForm maps long branch forms to their 1-byte equivalents.
var toShortForm = map[uint16]OpCode{
	OpBr.Code:      OpBrS,
	OpBrfalse.Code: OpBrfalseS,
	OpBrtrue.Code:  OpBrtrueS,
	OpBeq.Code:     OpBeqS,
	OpLeave.Code:   OpLeaveS,
}

// IsBranch reports whether the opcode carries a single branch target.
func (op OpCode) IsBranch() bool {
	return op.Operand == OperandBranch || op.Operand == OperandShortBranch
}
