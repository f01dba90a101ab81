package cil

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AssemblyIdentity is the name under which an assembly (or an outgoing
// reference to one) is known. Signed identities carry the full public key;
// the 8-byte token is derived from it.
type AssemblyIdentity struct {
	Name           string
	Version        string
	PublicKey      []byte
	PublicKeyToken []byte
}

// Signed reports whether the identity carries a public key.
func (id AssemblyIdentity) Signed() bool {
	return len(id.PublicKey) > 0
}

// FullName renders the textual identity, the form recorded in the
// strong-name substitution table.
func (id AssemblyIdentity) FullName() string {
	token := "null"
	if len(id.PublicKeyToken) > 0 {
		token = hex.EncodeToString(id.PublicKeyToken)
	}

	version := id.Version
	if version == "" {
		version = "0.0.0.0"
	}

	return fmt.Sprintf("%s, Version=%s, PublicKeyToken=%s", id.Name, version, token)
}

// Assembly is the root of the container: one identity, outgoing references
// and one or more modules.
type Assembly struct {
	Identity AssemblyIdentity
	Refs     []AssemblyIdentity
	Modules  []*Module
}

// MainModule returns the first module. Every assembly written by this
// toolchain has exactly one.
func (a *Assembly) MainModule() *Module {
	if len(a.Modules) == 0 {
		return nil
	}

	return a.Modules[0]
}

// AddRef appends an outgoing assembly reference unless one with the same
// name is already present.
func (a *Assembly) AddRef(ref AssemblyIdentity) {
	for _, existing := range a.Refs {
		if existing.Name == ref.Name {
			return
		}
	}

	a.Refs = append(a.Refs, ref)
}

// Module is a unit of deployment inside an assembly. ID is the module
// version id (a GUID string); it partitions both the hit table and the
// report's module elements.
type Module struct {
	ID    string
	Name  string
	Types []*TypeDef
}

// TypeDef is a named type holding methods.
type TypeDef struct {
	Namespace string
	Name      string
	Methods   []*Method
}

// FullName returns the namespace-qualified type name.
func (t *TypeDef) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}

	return t.Namespace + "." + t.Name
}

// Method is a named routine with an editable body and the source-mapped
// sequence points the debugger produced for it.
type Method struct {
	Name           string
	Signature      string
	Body           *Body
	SequencePoints []*SequencePoint
}

// SequencePoint correlates an instruction to a source location. It is the
// unit of coverage counting.
type SequencePoint struct {
	Instruction *Instruction
	Document    string
	StartLine   int32
	StartCol    int32
	EndLine     int32
	EndCol      int32
}

// MemberRef is an assembly-qualified reference to a method, the operand of
// call instructions.
type MemberRef struct {
	Assembly string
	Type     string
	Method   string
}

func (r *MemberRef) String() string {
	return fmt.Sprintf("[%s]%s::%s", r.Assembly, r.Type, r.Method)
}

// FindMethod locates a method by type full name and method name across the
// module's types.
func (m *Module) FindMethod(typeName, methodName string) *Method {
	for _, t := range m.Types {
		if t.FullName() != typeName {
			continue
		}

		for _, method := range t.Methods {
			if method.Name == methodName {
				return method
			}
		}
	}

	return nil
}

// PatchStringLiteral replaces every ldstr operand equal to old with new
// across all method bodies and returns the number of replacements. The
// recorder template preparation uses it to embed the report path.
func (m *Module) PatchStringLiteral(old, new string) int {
	patched := 0

	for _, t := range m.Types {
		for _, method := range t.Methods {
			if method.Body == nil {
				continue
			}

			for _, instr := range method.Body.Instructions {
				if instr.OpCode.Code != OpLdstr.Code {
					continue
				}

				if value, ok := instr.Operand.(string); ok && value == old {
					instr.Operand = new
					patched++
				}
			}
		}
	}

	return patched
}

// ParseVersion validates the dotted-quad version form used in identities.
func ParseVersion(version string) error {
	parts := strings.Split(version, ".")
	if len(parts) != 4 {
		return fmt.Errorf("version %q: want four dotted components", version)
	}

	for _, part := range parts {
		for _, r := range part {
			if r < '0' || r > '9' {
				return fmt.Errorf("version %q: non-numeric component %q", version, part)
			}
		}
	}

	return nil
}
