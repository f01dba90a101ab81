package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ilcov.dev/pkg/ilcov/internal/cil"
)

func TestAllIncludesEverything(t *testing.T) {
	oracle := All{}

	assert.True(t, oracle.IncludeAssembly(&cil.Assembly{}))
	assert.True(t, oracle.IncludeModule(&cil.Module{}))
	assert.True(t, oracle.IncludeType(&cil.TypeDef{}))
	assert.True(t, oracle.IncludeMethod(&cil.Method{}))
	assert.True(t, oracle.IncludePoint(&cil.Method{}, &cil.SequencePoint{}))
}

func TestAssembliesAllowList(t *testing.T) {
	asm := func(name string) *cil.Assembly {
		return &cil.Assembly{Identity: cil.AssemblyIdentity{Name: name}}
	}

	t.Run("empty list includes everything", func(t *testing.T) {
		oracle := NewAssemblies(nil)

		assert.True(t, oracle.IncludeAssembly(asm("Sample.Lib")))
	})

	t.Run("named assemblies only", func(t *testing.T) {
		oracle := NewAssemblies([]string{"Sample.Lib"})

		assert.True(t, oracle.IncludeAssembly(asm("Sample.Lib")))
		assert.False(t, oracle.IncludeAssembly(asm("Somebody.Else")))
	})

	t.Run("bodyless methods are excluded", func(t *testing.T) {
		oracle := NewAssemblies(nil)

		assert.False(t, oracle.IncludeMethod(&cil.Method{}))
		assert.True(t, oracle.IncludeMethod(&cil.Method{Body: &cil.Body{}}))
	})
}
