package instrument

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"ilcov.dev/pkg/ilcov/internal/cil"
	"ilcov.dev/pkg/ilcov/internal/filter"
	"ilcov.dev/pkg/ilcov/internal/report"
	"ilcov.dev/pkg/ilcov/internal/sign"
)

// Config carries the traversal-independent instrumentation settings.
type Config struct {
	// OutputDir receives the instrumented binaries and the recorder.
	OutputDir string

	// ReportPath is embedded into the recorder binary and seeds the
	// report skeleton.
	ReportPath string

	// Oracle supplies the per-unit inclusion decisions.
	Oracle filter.Oracle

	// Rewriter decides the new strong-name identities.
	Rewriter *sign.Rewriter

	// AllowNames is the instrumented-assembly allow-list; outgoing
	// references to these names get their identity recomputed.
	AllowNames []string

	// RecorderTemplate optionally points at a recorder binary to
	// derive the companion from. When empty a built-in template is
	// synthesized.
	RecorderTemplate string

	// NewModuleID mints module identities. Defaults to random UUIDs;
	// tests override it for determinism.
	NewModuleID func() string

	// recorder is the prepared companion assembly, set by the workflow so
	// every visitor of a run references the same identity. A visitor with
	// no recorder configured prepares its own.
	recorder *cil.Assembly
}

func (c Config) newModuleID() string {
	if c.NewModuleID != nil {
		return c.NewModuleID()
	}

	return uuid.NewString()
}

// Context is the state threaded through one assembly's traversal. Module-
// and method-scoped fields are reset exactly when the next Module/Method
// event is seen and never leak across siblings. A Context is owned by a
// single traversal and never shared.
type Context struct {
	// Traversal-scoped.
	allow    map[string]bool
	recorder *cil.Assembly

	// Module-scoped.
	visitRef   *cil.MemberRef
	moduleID   string
	moduleSkel *report.Module

	// Method-scoped.
	body       *cil.Body
	methodName string
	methodSig  string
	pending    []*report.Point
}

// Visitor folds the traversal events for one assembly, rewriting method
// bodies in place and committing outputs on the post-order events.
type Visitor struct {
	cfg Config
	src string

	ctx      Context
	skeleton []*report.Module
}

// NewVisitor builds a visitor for the assembly loaded from srcPath.
func NewVisitor(cfg Config, srcPath string) *Visitor {
	return &Visitor{cfg: cfg, src: srcPath}
}

// Run drives the event fold over asm. On error the assembly is abandoned:
// no output file is committed and the error propagates. The returned
// modules are the report-skeleton entries for everything instrumented.
func (v *Visitor) Run(asm *cil.Assembly) ([]*report.Module, error) {
	oracle := v.cfg.Oracle
	if oracle == nil {
		oracle = filter.All{}
	}

	if v.cfg.Rewriter == nil {
		v.cfg.Rewriter = sign.NewRewriter(nil)
	}

	for ev := range events(asm, oracle) {
		if err := v.step(ev); err != nil {
			return nil, fmt.Errorf("instrument %s: %w", v.src, err)
		}
	}

	return v.skeleton, nil
}

// step is the transition function over traversal events. The only side
// effect is the instrumented binary committed at AfterAssembly; the shared
// recorder binary and dependency manifests are the workflow's to commit,
// once, after every assembly finished.
func (v *Visitor) step(ev Event) error {
	switch ev := ev.(type) {
	case StartEvent:
		return v.onStart()
	case AssemblyEvent:
		return v.onAssembly(ev)
	case ModuleEvent:
		v.onModule(ev)
	case TypeEvent:
		// Types carry no traversal state of their own.
	case MethodEvent:
		return v.onMethod(ev)
	case PointEvent:
		return v.onPoint(ev)
	case AfterMethodEvent:
		v.onAfterMethod(ev)
	case AfterModuleEvent:
		v.onAfterModule()
	case AfterAssemblyEvent:
		return v.onAfterAssembly(ev)
	case FinishEvent:
		// The traversal is complete; nothing left to commit here.
	default:
		return fmt.Errorf("unhandled traversal event %T", ev)
	}

	return nil
}

func (v *Visitor) onStart() error {
	v.ctx.allow = make(map[string]bool, len(v.cfg.AllowNames))
	for _, name := range v.cfg.AllowNames {
		v.ctx.allow[name] = true
	}

	if v.cfg.recorder != nil {
		v.ctx.recorder = v.cfg.recorder

		return nil
	}

	recorder, err := prepareRecorder(v.cfg)
	if err != nil {
		return err
	}

	v.ctx.recorder = recorder

	return nil
}

func (v *Visitor) onAssembly(ev AssemblyEvent) error {
	asm := ev.Assembly

	asm.Identity = v.cfg.Rewriter.NewIdentity(asm.Identity)
	v.cfg.Rewriter.RewriteRefs(asm, v.ctx.allow)

	if ev.Included {
		asm.AddRef(v.ctx.recorder.Identity)
	}

	slog.Debug("visiting assembly", "assembly", asm.Identity.Name, "included", ev.Included)

	return nil
}

func (v *Visitor) onModule(ev ModuleEvent) {
	// Module-scoped reset happens here and nowhere else.
	v.ctx.visitRef = nil
	v.ctx.moduleID = ""
	v.ctx.moduleSkel = nil

	if !ev.Included {
		return
	}

	mod := ev.Module
	mod.ID = v.cfg.newModuleID()

	v.ctx.moduleID = mod.ID
	v.ctx.visitRef = &cil.MemberRef{
		Assembly: v.ctx.recorder.Identity.Name,
		Type:     recorderTypeName,
		Method:   recorderVisitMethod,
	}
	v.ctx.moduleSkel = &report.Module{ID: mod.ID, Name: mod.Name}
}

func (v *Visitor) onMethod(ev MethodEvent) error {
	// Method-scoped reset happens here and nowhere else.
	v.ctx.body = nil
	v.ctx.methodName = ""
	v.ctx.methodSig = ""
	v.ctx.pending = nil

	if !ev.Included {
		return nil
	}

	if ev.Method.Body == nil {
		return fmt.Errorf("method %s has no body", ev.Method.Name)
	}

	v.ctx.body = ev.Method.Body
	v.ctx.methodName = ev.Method.Name
	v.ctx.methodSig = ev.Method.Signature

	return nil
}

func (v *Visitor) onPoint(ev PointEvent) error {
	if v.ctx.visitRef == nil {
		return fmt.Errorf("point %d: recorder entry point not resolved", ev.PointID)
	}

	sp := ev.Point
	if sp.Instruction == nil {
		return fmt.Errorf("point %d: sequence point has no instruction", ev.PointID)
	}

	prologue := []*cil.Instruction{
		cil.Ldstr(v.ctx.moduleID),
		cil.LdcI4(int32(ev.PointID)),
		cil.CallRef(v.ctx.visitRef),
	}

	if err := v.ctx.body.InsertBefore(sp.Instruction, prologue...); err != nil {
		return fmt.Errorf("point %d: %w", ev.PointID, err)
	}

	v.ctx.pending = append(v.ctx.pending, &report.Point{
		Document: sp.Document,
		Line:     sp.StartLine,
		Col:      sp.StartCol,
		EndLine:  sp.EndLine,
		EndCol:   sp.EndCol,
	})

	return nil
}

func (v *Visitor) onAfterMethod(ev AfterMethodEvent) {
	if !ev.Included || v.ctx.body == nil {
		return
	}

	// Absorb the offset shifts from the inserted prologues.
	v.ctx.body.SimplifyBranches()
	v.ctx.body.OptimizeBranches()

	if v.ctx.moduleSkel == nil || len(v.ctx.pending) == 0 {
		return
	}

	// Point events arrive in reverse document order; the skeleton
	// stores document order.
	points := make([]*report.Point, len(v.ctx.pending))
	for i, sp := range v.ctx.pending {
		points[len(points)-1-i] = sp
	}

	v.ctx.moduleSkel.Methods = append(v.ctx.moduleSkel.Methods, &report.Method{
		Name:   v.ctx.methodName,
		Sig:    v.ctx.methodSig,
		Points: points,
	})
}

func (v *Visitor) onAfterModule() {
	if v.ctx.moduleSkel != nil {
		v.skeleton = append(v.skeleton, v.ctx.moduleSkel)
	}
}

func (v *Visitor) onAfterAssembly(ev AfterAssemblyEvent) error {
	out := filepath.Join(v.cfg.OutputDir, filepath.Base(v.src))
	if err := cil.WriteFile(out, ev.Assembly); err != nil {
		return err
	}

	slog.Info("wrote instrumented binary", "path", out)

	return nil
}

// commitRecorder writes the prepared recorder binary next to the
// instrumented assemblies and unions its entries into their dependency
// manifests. The workflow runs it exactly once per run, after every
// assembly committed, so concurrent finishes can never tear a manifest.
func commitRecorder(cfg Config, recorder *cil.Assembly, ext string) error {
	out := filepath.Join(cfg.OutputDir, recorder.Identity.Name+ext)
	if err := cil.WriteFile(out, recorder); err != nil {
		return fmt.Errorf("write recorder binary: %w", err)
	}

	if err := mergeDepsManifests(cfg.OutputDir, recorder.Identity); err != nil {
		return err
	}

	slog.Info("wrote recorder binary", "path", out)

	return nil
}
