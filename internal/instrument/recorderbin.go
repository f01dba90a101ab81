package instrument

import (
	"fmt"

	"ilcov.dev/pkg/ilcov/internal/cil"
)

const (
	// RecorderName is the strong name of the companion recorder binary
	// every instrumented assembly references.
	RecorderName = "ILCov.Recorder"

	recorderTypeName    = "ILCov.Runtime.Recorder"
	recorderVisitMethod = "Visit"
	recorderFlushMethod = "Flush"

	// reportPathPlaceholder is the literal baked into the recorder
	// template. Preparation replaces it with the real report path so
	// the recorder needs no configuration at run time.
	reportPathPlaceholder = "{{ilcov:report-path}}"
)

// buildRecorderTemplate synthesizes the built-in recorder skeleton. Real
// deployments usually ship a richer template; the synthesized one carries
// exactly the surface the instrumented code calls into plus the report
// path literal the preparation step patches.
func buildRecorderTemplate() *cil.Assembly {
	visit := &cil.Method{
		Name:      recorderVisitMethod,
		Signature: "void (string, int32)",
		Body: &cil.Body{
			MaxStack: 8,
			Instructions: []*cil.Instruction{
				cil.NewInstruction(cil.OpRet, nil),
			},
		},
	}

	flush := &cil.Method{
		Name:      recorderFlushMethod,
		Signature: "void ()",
		Body: &cil.Body{
			MaxStack: 8,
			Instructions: []*cil.Instruction{
				cil.Ldstr(reportPathPlaceholder),
				cil.NewInstruction(cil.OpPop, nil),
				cil.NewInstruction(cil.OpRet, nil),
			},
		},
	}

	return &cil.Assembly{
		Identity: cil.AssemblyIdentity{Name: RecorderName + ".Template", Version: "1.0.0.0"},
		Modules: []*cil.Module{{
			ID:   "00000000-0000-0000-0000-000000000000",
			Name: RecorderName + ".Template.dll",
			Types: []*cil.TypeDef{{
				Namespace: "ILCov.Runtime",
				Name:      "Recorder",
				Methods:   []*cil.Method{visit, flush},
			}},
		}},
	}
}

// prepareRecorder derives the deployable recorder from the template:
// renames it, recomputes its strong-name identity, and bakes the report
// path into the string literal the template reserves for it.
func prepareRecorder(cfg Config) (*cil.Assembly, error) {
	var (
		tpl *cil.Assembly
		err error
	)

	if cfg.RecorderTemplate != "" {
		tpl, err = cil.ReadFile(cfg.RecorderTemplate)
		if err != nil {
			return nil, fmt.Errorf("load recorder template: %w", err)
		}
	} else {
		tpl = buildRecorderTemplate()
	}

	tpl.Identity.Name = RecorderName
	tpl.Identity = cfg.Rewriter.NewIdentity(tpl.Identity)

	mod := tpl.MainModule()
	if mod == nil {
		return nil, fmt.Errorf("recorder template has no module")
	}

	mod.Name = RecorderName + ".dll"

	if n := mod.PatchStringLiteral(reportPathPlaceholder, cfg.ReportPath); n == 0 {
		return nil, fmt.Errorf("recorder template carries no report path literal")
	}

	return tpl, nil
}
