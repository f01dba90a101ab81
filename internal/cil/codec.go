package cil

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File container: magic, format version, then the assembly tree with every
// intra-body instruction reference persisted as a list index.

var fileMagic = [4]byte{'I', 'L', 'B', 'C'}

const formatVersion uint32 = 1

// noIndex marks an absent instruction reference (nil handler boundary).
const noIndex = ^uint32(0)

// Decode limits, so a corrupt count field cannot ask for an arbitrary
// allocation.
const (
	maxCount   = 1 << 20
	maxBlobLen = 1 << 24
)

// WriteFile encodes the assembly to path. The file is written via a
// temporary sibling and renamed into place so a failed write never leaves a
// partial binary behind.
func WriteFile(path string, asm *Assembly) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ilcov-*")
	if err != nil {
		return fmt.Errorf("create temp binary: %w", err)
	}

	tmpName := tmp.Name()

	if err := Write(tmp, asm); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("close temp binary: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("commit binary: %w", err)
	}

	return nil
}

// SniffFile reports whether the file at path starts with the container
// magic. It reads only the header.
func SniffFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}

	defer func() {
		_ = f.Close()
	}()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}

		return false, err
	}

	return magic == fileMagic, nil
}

// ReadFile decodes the assembly stored at path.
func ReadFile(path string) (*Assembly, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open binary: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	asm, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return asm, nil
}

// Write encodes the assembly onto w.
func Write(w io.Writer, asm *Assembly) error {
	bw := &sticky{w: bufio.NewWriter(w)}

	bw.bytes(fileMagic[:])
	bw.u32(formatVersion)
	writeIdentity(bw, asm.Identity)

	bw.u32(uint32(len(asm.Refs)))
	for _, ref := range asm.Refs {
		writeIdentity(bw, ref)
	}

	bw.u32(uint32(len(asm.Modules)))
	for _, mod := range asm.Modules {
		writeModule(bw, mod)
	}

	if bw.err != nil {
		return bw.err
	}

	return bw.w.(*bufio.Writer).Flush()
}

// Read decodes an assembly from r.
func Read(r io.Reader) (*Assembly, error) {
	br := &unsticky{r: bufio.NewReader(r)}

	var magic [4]byte
	br.bytes(magic[:])

	if br.err == nil && magic != fileMagic {
		return nil, fmt.Errorf("bad magic %q", magic[:])
	}

	if version := br.u32(); br.err == nil && version != formatVersion {
		return nil, fmt.Errorf("unsupported format version %d", version)
	}

	asm := &Assembly{Identity: readIdentity(br)}

	for range br.count("assembly ref") {
		asm.Refs = append(asm.Refs, readIdentity(br))
	}

	for range br.count("module") {
		asm.Modules = append(asm.Modules, readModule(br))
	}

	return asm, br.err
}

func writeIdentity(w *sticky, id AssemblyIdentity) {
	w.str(id.Name)
	w.str(id.Version)
	w.blob(id.PublicKey)
	w.blob(id.PublicKeyToken)
}

func readIdentity(r *unsticky) AssemblyIdentity {
	return AssemblyIdentity{
		Name:           r.str(),
		Version:        r.str(),
		PublicKey:      r.blob(),
		PublicKeyToken: r.blob(),
	}
}

func writeModule(w *sticky, mod *Module) {
	w.str(mod.ID)
	w.str(mod.Name)

	w.u32(uint32(len(mod.Types)))
	for _, t := range mod.Types {
		w.str(t.Namespace)
		w.str(t.Name)

		w.u32(uint32(len(t.Methods)))
		for _, method := range t.Methods {
			writeMethod(w, method)
		}
	}
}

func readModule(r *unsticky) *Module {
	mod := &Module{ID: r.str(), Name: r.str()}

	for range r.count("type") {
		t := &TypeDef{Namespace: r.str(), Name: r.str()}

		for range r.count("method") {
			t.Methods = append(t.Methods, readMethod(r))
		}

		mod.Types = append(mod.Types, t)
	}

	return mod
}

func writeMethod(w *sticky, method *Method) {
	w.str(method.Name)
	w.str(method.Signature)

	body := method.Body
	if body == nil {
		body = &Body{}
	}

	w.u32(uint32(body.MaxStack))

	index := make(map[*Instruction]uint32, len(body.Instructions))
	for i, instr := range body.Instructions {
		index[instr] = uint32(i)
	}

	ref := func(instr *Instruction) {
		if instr == nil {
			w.u32(noIndex)
			return
		}

		w.u32(index[instr])
	}

	w.u32(uint32(len(body.Instructions)))
	for _, instr := range body.Instructions {
		w.u16(instr.OpCode.Code)

		switch instr.OpCode.Operand {
		case OperandNone:
		case OperandString:
			value, _ := instr.Operand.(string)
			w.str(value)
		case OperandInt32:
			value, _ := instr.Operand.(int32)
			w.u32(uint32(value))
		case OperandInt8:
			value, _ := instr.Operand.(int8)
			w.u8(uint8(value))
		case OperandBranch, OperandShortBranch:
			ref(instr.Target())
		case OperandSwitch:
			targets := instr.Targets()
			w.u32(uint32(len(targets)))
			for _, t := range targets {
				ref(t)
			}
		case OperandMethod:
			m, _ := instr.Operand.(*MemberRef)
			if m == nil {
				m = &MemberRef{}
			}

			w.str(m.Assembly)
			w.str(m.Type)
			w.str(m.Method)
		}
	}

	w.u32(uint32(len(body.Handlers)))
	for _, h := range body.Handlers {
		w.u8(uint8(h.Kind))
		ref(h.TryStart)
		ref(h.TryEnd)
		ref(h.HandlerStart)
		ref(h.HandlerEnd)
		ref(h.FilterStart)
	}

	w.u32(uint32(len(method.SequencePoints)))
	for _, sp := range method.SequencePoints {
		ref(sp.Instruction)
		w.str(sp.Document)
		w.u32(uint32(sp.StartLine))
		w.u32(uint32(sp.StartCol))
		w.u32(uint32(sp.EndLine))
		w.u32(uint32(sp.EndCol))
	}
}

func readMethod(r *unsticky) *Method {
	method := &Method{Name: r.str(), Signature: r.str()}
	body := &Body{MaxStack: int(r.u32())}

	count := r.count("instruction")
	if r.err != nil {
		return method
	}

	instructions := make([]*Instruction, count)
	for i := range instructions {
		instructions[i] = &Instruction{}
	}

	resolve := func() *Instruction {
		idx := r.u32()
		if idx == noIndex || int(idx) >= len(instructions) {
			return nil
		}

		return instructions[idx]
	}

	for _, instr := range instructions {
		code := r.u16()

		op, ok := opcodes[code]
		if !ok {
			if r.err == nil {
				r.err = fmt.Errorf("unknown opcode 0x%04x in %s", code, method.Name)
			}

			return method
		}

		instr.OpCode = op

		switch op.Operand {
		case OperandNone:
		case OperandString:
			instr.Operand = r.str()
		case OperandInt32:
			instr.Operand = int32(r.u32())
		case OperandInt8:
			instr.Operand = int8(r.u8())
		case OperandBranch, OperandShortBranch:
			instr.Operand = resolve()
		case OperandSwitch:
			targets := make([]*Instruction, r.count("switch target"))
			for i := range targets {
				targets[i] = resolve()
			}

			instr.Operand = targets
		case OperandMethod:
			instr.Operand = &MemberRef{
				Assembly: r.str(),
				Type:     r.str(),
				Method:   r.str(),
			}
		}
	}

	body.Instructions = instructions

	for range r.count("exception handler") {
		body.Handlers = append(body.Handlers, &ExceptionHandler{
			Kind:         HandlerKind(r.u8()),
			TryStart:     resolve(),
			TryEnd:       resolve(),
			HandlerStart: resolve(),
			HandlerEnd:   resolve(),
			FilterStart:  resolve(),
		})
	}

	for range r.count("sequence point") {
		method.SequencePoints = append(method.SequencePoints, &SequencePoint{
			Instruction: resolve(),
			Document:    r.str(),
			StartLine:   int32(r.u32()),
			StartCol:    int32(r.u32()),
			EndLine:     int32(r.u32()),
			EndCol:      int32(r.u32()),
		})
	}

	body.computeOffsets()
	method.Body = body

	return method
}

// sticky accumulates the first write error so encoders read linearly.
type sticky struct {
	w   io.Writer
	err error
}

func (w *sticky) bytes(b []byte) {
	if w.err != nil {
		return
	}

	_, w.err = w.w.Write(b)
}

func (w *sticky) u8(v uint8) {
	w.bytes([]byte{v})
}

func (w *sticky) u16(v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	w.bytes(buf[:])
}

func (w *sticky) u32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	w.bytes(buf[:])
}

func (w *sticky) blob(b []byte) {
	w.u32(uint32(len(b)))
	w.bytes(b)
}

func (w *sticky) str(s string) {
	w.u32(uint32(len(s)))
	w.bytes([]byte(s))
}

// unsticky mirrors sticky for decoding.
type unsticky struct {
	r   io.Reader
	err error
}

func (r *unsticky) bytes(b []byte) {
	if r.err != nil {
		for i := range b {
			b[i] = 0
		}

		return
	}

	_, r.err = io.ReadFull(r.r, b)
}

func (r *unsticky) u8() uint8 {
	var buf [1]byte
	r.bytes(buf[:])

	return buf[0]
}

func (r *unsticky) u16() uint16 {
	var buf [2]byte
	r.bytes(buf[:])

	return binary.BigEndian.Uint16(buf[:])
}

func (r *unsticky) u32() uint32 {
	var buf [4]byte
	r.bytes(buf[:])

	return binary.BigEndian.Uint32(buf[:])
}

// count reads a length field and rejects values beyond the decode limit.
func (r *unsticky) count(what string) uint32 {
	n := r.u32()
	if r.err == nil && n > maxCount {
		r.err = fmt.Errorf("%s count %d exceeds limit %d", what, n, maxCount)
	}

	if r.err != nil {
		return 0
	}

	return n
}

func (r *unsticky) blob() []byte {
	n := r.u32()
	if r.err == nil && n > maxBlobLen {
		r.err = fmt.Errorf("blob length %d exceeds limit %d", n, maxBlobLen)
	}

	if r.err != nil || n == 0 {
		return nil
	}

	b := make([]byte, n)
	r.bytes(b)

	return b
}

func (r *unsticky) str() string {
	return string(r.blob())
}
