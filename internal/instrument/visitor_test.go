package instrument

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ilcov.dev/pkg/ilcov/internal/cil"
	"ilcov.dev/pkg/ilcov/internal/filter"
	"ilcov.dev/pkg/ilcov/internal/model"
	"ilcov.dev/pkg/ilcov/internal/report"
	"ilcov.dev/pkg/ilcov/internal/sign"
)

func sequentialIDs() func() string {
	n := 0

	return func() string {
		n++

		return fmt.Sprintf("test-module-%d", n)
	}
}

// twoMethodAssembly builds an assembly whose single module holds two
// methods with 2 and 3 sequence points, including a conditional branch
// targeting an instrumented instruction.
func twoMethodAssembly() *cil.Assembly {
	aHead := cil.LdcI4(1)
	aRet := cil.NewInstruction(cil.OpRet, nil)
	alpha := &cil.Method{
		Name:      "Alpha",
		Signature: "void ()",
		Body: &cil.Body{
			MaxStack: 8,
			Instructions: []*cil.Instruction{
				aHead,
				cil.NewInstruction(cil.OpPop, nil),
				aRet,
			},
		},
		SequencePoints: []*cil.SequencePoint{
			{Instruction: aHead, Document: "alpha.cs", StartLine: 10, StartCol: 1, EndLine: 10, EndCol: 5},
			{Instruction: aRet, Document: "alpha.cs", StartLine: 11, StartCol: 1, EndLine: 11, EndCol: 2},
		},
	}

	bHead := cil.LdcI4(0)
	bMid := cil.LdcI4(7)
	bRet := cil.NewInstruction(cil.OpRet, nil)
	beta := &cil.Method{
		Name:      "Beta",
		Signature: "int32 ()",
		Body: &cil.Body{
			MaxStack: 8,
			Instructions: []*cil.Instruction{
				bHead,
				cil.Branch(cil.OpBrtrueS, bRet),
				bMid,
				cil.NewInstruction(cil.OpPop, nil),
				bRet,
			},
		},
		SequencePoints: []*cil.SequencePoint{
			{Instruction: bHead, Document: "beta.cs", StartLine: 20, StartCol: 1, EndLine: 20, EndCol: 9},
			{Instruction: bMid, Document: "beta.cs", StartLine: 21, StartCol: 1, EndLine: 21, EndCol: 9},
			{Instruction: bRet, Document: "beta.cs", StartLine: 22, StartCol: 1, EndLine: 22, EndCol: 2},
		},
	}

	return &cil.Assembly{
		Identity: cil.AssemblyIdentity{Name: "Sample.Lib", Version: "2.1.0.0"},
		Modules: []*cil.Module{{
			ID:   "stale-module-id",
			Name: "Sample.Lib.dll",
			Types: []*cil.TypeDef{{
				Namespace: "Sample",
				Name:      "Thing",
				Methods:   []*cil.Method{alpha, beta},
			}},
		}},
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()

	dir := t.TempDir()

	return Config{
		OutputDir:   dir,
		ReportPath:  filepath.Join(dir, "coverage.xml"),
		Oracle:      filter.All{},
		Rewriter:    sign.NewRewriter(nil),
		NewModuleID: sequentialIDs(),
	}
}

func TestVisitorInstruments(t *testing.T) {
	cfg := testConfig(t)
	asm := twoMethodAssembly()
	src := filepath.Join(cfg.OutputDir, "in", "Sample.Lib.dll")
	cfg.AllowNames = []string{asm.Identity.Name}

	mods, err := NewVisitor(cfg, src).Run(asm)
	require.NoError(t, err)

	mod := asm.MainModule()

	t.Run("module id regenerated", func(t *testing.T) {
		require.Equal(t, "test-module-1", mod.ID)
	})

	t.Run("recorder reference added", func(t *testing.T) {
		require.Len(t, asm.Refs, 1)
		require.Equal(t, RecorderName, asm.Refs[0].Name)
	})

	t.Run("point ids reverse document order per method", func(t *testing.T) {
		alpha := mod.FindMethod("Sample.Thing", "Alpha")
		beta := mod.FindMethod("Sample.Thing", "Beta")

		// Alpha's points come first in the traversal: its last
		// document-order point gets id 0, the first gets id 1.
		// Beta continues the same module counter with ids 2..4.
		wantIDs := map[*cil.Method][]int32{
			alpha: {1, 0},
			beta:  {4, 3, 2},
		}

		for method, ids := range wantIDs {
			for i, sp := range method.SequencePoints {
				idx := method.Body.Index(sp.Instruction)
				require.GreaterOrEqual(t, idx, 3, "prologue precedes every point")

				prologue := method.Body.Instructions[idx-3 : idx]
				require.Equal(t, mod.ID, prologue[0].Operand)
				require.Equal(t, ids[i], prologue[1].Operand)

				ref, ok := prologue[2].Operand.(*cil.MemberRef)
				require.True(t, ok)
				require.Equal(t, RecorderName, ref.Assembly)
				require.Equal(t, "ILCov.Runtime.Recorder", ref.Type)
				require.Equal(t, "Visit", ref.Method)
			}
		}
	})

	t.Run("branches still reach the original targets", func(t *testing.T) {
		beta := mod.FindMethod("Sample.Thing", "Beta")

		var branch *cil.Instruction
		for _, instr := range beta.Body.Instructions {
			if instr.OpCode.IsBranch() {
				branch = instr
			}
		}

		require.NotNil(t, branch)

		// The branch must land on the prologue of its original
		// target, not on the target itself.
		target := branch.Target()
		require.Equal(t, cil.OpLdstr.Code, target.OpCode.Code)
	})

	t.Run("skeleton mirrors document order", func(t *testing.T) {
		require.Len(t, mods, 1)
		require.Equal(t, mod.ID, mods[0].ID)
		require.Equal(t, "Sample.Lib.dll", mods[0].Name)
		require.Len(t, mods[0].Methods, 2)

		require.Equal(t, "Alpha", mods[0].Methods[0].Name)
		require.Equal(t, "void ()", mods[0].Methods[0].Sig)
		require.Len(t, mods[0].Methods[0].Points, 2)
		require.Equal(t, int32(10), mods[0].Methods[0].Points[0].Line)
		require.Equal(t, int32(11), mods[0].Methods[0].Points[1].Line)

		require.Equal(t, "Beta", mods[0].Methods[1].Name)
		require.Len(t, mods[0].Methods[1].Points, 3)
		require.Equal(t, int32(20), mods[0].Methods[1].Points[0].Line)
	})

	t.Run("instrumented binary committed", func(t *testing.T) {
		_, err := os.Stat(filepath.Join(cfg.OutputDir, "Sample.Lib.dll"))
		require.NoError(t, err)
	})
}

func TestVisitorExcludedAssembly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Oracle = filter.NewAssemblies([]string{"Somebody.Else"})

	asm := twoMethodAssembly()
	mods, err := NewVisitor(cfg, "Sample.Lib.dll").Run(asm)
	require.NoError(t, err)
	require.Empty(t, mods)

	require.Equal(t, "stale-module-id", asm.MainModule().ID)
	require.Empty(t, asm.Refs)
	require.Len(t, asm.MainModule().FindMethod("Sample.Thing", "Alpha").Body.Instructions, 3)

	// Excluded assemblies are still copied through.
	_, err = os.Stat(filepath.Join(cfg.OutputDir, "Sample.Lib.dll"))
	require.NoError(t, err)
}

func TestVisitorAbandonsBrokenAssembly(t *testing.T) {
	cfg := testConfig(t)

	asm := twoMethodAssembly()
	asm.MainModule().Types[0].Methods[0].Body = nil

	_, err := NewVisitor(cfg, "Sample.Lib.dll").Run(asm)
	require.ErrorContains(t, err, "has no body")

	// The failure happened before the post-order commit, so nothing
	// was written.
	entries, readErr := os.ReadDir(cfg.OutputDir)
	require.NoError(t, readErr)
	require.Empty(t, entries)
}

func TestVisitorRewritesIdentities(t *testing.T) {
	key := &sign.KeyPair{Public: []byte("public-bytes"), Private: []byte("private-bytes")}

	asm := twoMethodAssembly()
	asm.Identity.PublicKey = []byte("old-key")
	asm.Identity.PublicKeyToken = []byte{1, 2, 3, 4, 5, 6, 7, 8}
	asm.Refs = append(asm.Refs,
		cil.AssemblyIdentity{Name: "Signed.Friend", PublicKey: []byte("friend-key")},
		cil.AssemblyIdentity{Name: "Outside.World", PublicKey: []byte("outside-key")},
	)

	cfg := testConfig(t)
	cfg.Rewriter = sign.NewRewriter(key)
	cfg.AllowNames = []string{asm.Identity.Name, "Signed.Friend"}

	_, err := NewVisitor(cfg, "Sample.Lib.dll").Run(asm)
	require.NoError(t, err)

	require.Equal(t, key.Public, asm.Identity.PublicKey)
	require.Equal(t, key.Token(), asm.Identity.PublicKeyToken)

	byName := map[string]cil.AssemblyIdentity{}
	for _, ref := range asm.Refs {
		byName[ref.Name] = ref
	}

	require.Equal(t, key.Public, byName["Signed.Friend"].PublicKey)
	require.Equal(t, []byte("outside-key"), byName["Outside.World"].PublicKey,
		"references outside the allow-list stay untouched")
}

func TestPrepareRecorder(t *testing.T) {
	t.Run("built-in template", func(t *testing.T) {
		cfg := testConfig(t)

		rec, err := prepareRecorder(cfg)
		require.NoError(t, err)
		require.Equal(t, RecorderName, rec.Identity.Name)
		require.Equal(t, RecorderName+".dll", rec.MainModule().Name)
		require.NotNil(t, rec.MainModule().FindMethod(recorderTypeName, recorderVisitMethod))

		// The placeholder is gone and the real path is in place.
		require.Equal(t, 0, rec.MainModule().PatchStringLiteral(reportPathPlaceholder, "x"))
		require.Equal(t, 1, rec.MainModule().PatchStringLiteral(cfg.ReportPath, cfg.ReportPath))
	})

	t.Run("template file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RecorderTemplate = filepath.Join(cfg.OutputDir, "template.bin")
		require.NoError(t, cil.WriteFile(cfg.RecorderTemplate, buildRecorderTemplate()))

		rec, err := prepareRecorder(cfg)
		require.NoError(t, err)
		require.Equal(t, RecorderName, rec.Identity.Name)
	})

	t.Run("template without placeholder", func(t *testing.T) {
		cfg := testConfig(t)
		tpl := buildRecorderTemplate()
		tpl.MainModule().PatchStringLiteral(reportPathPlaceholder, "gone")

		cfg.RecorderTemplate = filepath.Join(cfg.OutputDir, "template.bin")
		require.NoError(t, cil.WriteFile(cfg.RecorderTemplate, tpl))

		_, err := prepareRecorder(cfg)
		require.ErrorContains(t, err, "no report path literal")
	})
}

func TestWorkflowRun(t *testing.T) {
	cfg := testConfig(t)
	srcDir := t.TempDir()

	first := twoMethodAssembly()
	second := twoMethodAssembly()
	second.Identity.Name = "Sample.App"
	second.MainModule().Name = "Sample.App.dll"

	firstPath := filepath.Join(srcDir, "Sample.Lib.dll")
	secondPath := filepath.Join(srcDir, "Sample.App.dll")
	require.NoError(t, cil.WriteFile(firstPath, first))
	require.NoError(t, cil.WriteFile(secondPath, second))

	require.NoError(t, NewWorkflow(cfg, 2).Run([]string{firstPath, secondPath}))

	for _, name := range []string{"Sample.Lib.dll", "Sample.App.dll", RecorderName + ".dll"} {
		_, err := os.Stat(filepath.Join(cfg.OutputDir, name))
		require.NoError(t, err, name)
	}

	recorder, err := cil.ReadFile(filepath.Join(cfg.OutputDir, RecorderName+".dll"))
	require.NoError(t, err)
	require.Equal(t, RecorderName, recorder.Identity.Name)

	// The report path literal must be baked in.
	require.Equal(t, 1, recorder.MainModule().PatchStringLiteral(cfg.ReportPath, cfg.ReportPath))

	f, err := os.Open(cfg.ReportPath)
	require.NoError(t, err)
	defer f.Close()

	doc, err := report.Decode(f)
	require.NoError(t, err)
	require.Len(t, doc.Modules, 2)
	require.NotEmpty(t, doc.StartTime)

	for _, mod := range doc.Modules {
		require.Len(t, mod.Methods, 2)
		require.Len(t, mod.Methods[0].Points, 2)
		require.Len(t, mod.Methods[1].Points, 3)
	}
}

// The recorder binary and the dependency manifests are committed once per
// run, after every assembly finished, so a parallel run can never interleave
// two manifest rewrites.
func TestWorkflowCommitsRecorderOnce(t *testing.T) {
	cfg := testConfig(t)
	srcDir := t.TempDir()

	manifestPath := filepath.Join(cfg.OutputDir, "Sample.App.deps.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte(sampleManifest), 0o644))

	inputs := make([]string, 6)
	for i := range inputs {
		asm := twoMethodAssembly()
		asm.Identity.Name = fmt.Sprintf("Sample.Lib%d", i)
		asm.MainModule().Name = asm.Identity.Name + ".dll"

		inputs[i] = filepath.Join(srcDir, asm.MainModule().Name)
		require.NoError(t, cil.WriteFile(inputs[i], asm))
	}

	require.NoError(t, NewWorkflow(cfg, 4).Run(inputs))

	raw, err := os.ReadFile(manifestPath)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc), "manifest still parses after a parallel run")

	var libraries map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["libraries"], &libraries))
	require.Contains(t, libraries, RecorderName+"/1.0.0.0")
	require.Contains(t, libraries, "Sample.App/1.0.0")

	// Re-running over the already merged manifest changes nothing.
	recorder, err := cil.ReadFile(filepath.Join(cfg.OutputDir, RecorderName+".dll"))
	require.NoError(t, err)
	require.NoError(t, mergeDepsManifests(cfg.OutputDir, recorder.Identity))

	again, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	require.Equal(t, string(raw), string(again))
}

func TestWorkflowIsolatesFailures(t *testing.T) {
	cfg := testConfig(t)
	srcDir := t.TempDir()

	good := twoMethodAssembly()
	bad := twoMethodAssembly()
	bad.Identity.Name = "Sample.Broken"
	bad.MainModule().Name = "Sample.Broken.dll"
	bad.MainModule().Types[0].Methods[1].Body = nil

	goodPath := filepath.Join(srcDir, "Sample.Lib.dll")
	badPath := filepath.Join(srcDir, "Sample.Broken.dll")
	require.NoError(t, cil.WriteFile(goodPath, good))
	require.NoError(t, cil.WriteFile(badPath, bad))

	// A nil body round-trips through the container as an empty one, so
	// the failure surfaces at the first orphaned sequence point.
	err := NewWorkflow(cfg, 1).Run([]string{badPath, goodPath})
	require.ErrorContains(t, err, "no instruction")

	// The healthy assembly was still instrumented and seeded.
	_, statErr := os.Stat(filepath.Join(cfg.OutputDir, "Sample.Lib.dll"))
	require.NoError(t, statErr)

	_, statErr = os.Stat(filepath.Join(cfg.OutputDir, "Sample.Broken.dll"))
	require.ErrorIs(t, statErr, os.ErrNotExist)

	f, openErr := os.Open(cfg.ReportPath)
	require.NoError(t, openErr)
	defer f.Close()

	doc, decodeErr := report.Decode(f)
	require.NoError(t, decodeErr)
	require.Len(t, doc.Modules, 1)
}

func TestInstrumentedRoundTripFeedsMerge(t *testing.T) {
	// End to end: instrument, replay the prologues by hand into a hit
	// table, merge, and check the counts land on the right lines.
	cfg := testConfig(t)
	srcDir := t.TempDir()

	asm := twoMethodAssembly()
	src := filepath.Join(srcDir, "Sample.Lib.dll")
	require.NoError(t, cil.WriteFile(src, asm))
	require.NoError(t, NewWorkflow(cfg, 1).Run([]string{src}))

	out, err := cil.ReadFile(filepath.Join(cfg.OutputDir, "Sample.Lib.dll"))
	require.NoError(t, err)

	// Execute Alpha twice and Beta's first line once, the way the
	// runtime would: every prologue on the path contributes a hit.
	hits := make(model.HitTable)
	mod := out.MainModule()

	run := func(method string, points int) {
		body := mod.FindMethod("Sample.Thing", method).Body
		for _, instr := range body.Instructions[:points*4] {
			if instr.OpCode.Code != cil.OpLdstr.Code {
				continue
			}

			idx := body.Index(instr)
			hits.Visit(instr.Operand.(string), int(body.Instructions[idx+1].Operand.(int32)))
		}
	}

	run("Alpha", 2)
	run("Alpha", 2)
	run("Beta", 1)

	f, err := os.OpenFile(cfg.ReportPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	lock := report.NewNamedLock(cfg.ReportPath)
	now := time.Now()
	require.NoError(t, report.Merge(lock, f, hits, now, now))

	_, err = f.Seek(0, 0)
	require.NoError(t, err)

	doc, err := report.Decode(f)
	require.NoError(t, err)
	require.Len(t, doc.Modules, 1)

	alpha := doc.Modules[0].Methods[0]
	require.Equal(t, 2, alpha.Points[0].Visits())
	require.Equal(t, 2, alpha.Points[1].Visits())

	beta := doc.Modules[0].Methods[1]
	require.Equal(t, 1, beta.Points[0].Visits())
	require.Equal(t, 0, beta.Points[1].Visits())
	require.Equal(t, 0, beta.Points[2].Visits())
}
