// Completion: 95% - Patch orchestration complete, no incremental re-diffing
package patch67

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Stage marks how far a patch attempt progressed, for diagnostics and for
// callers that want to distinguish "nothing changed" from "patch produced".
type Stage int

const (
	StageLoaded Stage = iota
	StageDiffed
	StageImportsResolved
	StageStubBuilt
	StageLinked
	StageLinkFailed
)

func (s Stage) String() string {
	switch s {
	case StageLoaded:
		return "loaded"
	case StageDiffed:
		return "diffed"
	case StageImportsResolved:
		return "imports resolved"
	case StageStubBuilt:
		return "stub built"
	case StageLinked:
		return "linked"
	case StageLinkFailed:
		return "link failed"
	default:
		return "unknown"
	}
}

// PatchRequest describes one end-to-end patch attempt
type PatchRequest struct {
	Target Target

	// OldDir and NewDir hold the object files of the running build and of the
	// fresh build
	OldDir string
	NewDir string

	// ExePath is the executable the running process was launched from;
	// RuntimeEntryAddr is its entry point's live address
	ExePath          string
	RuntimeEntryAddr uint64

	// OutPath is where the loadable patch module is written
	OutPath string

	Logger log.Logger

	// Cache may be shared across attempts to amortize executable parsing
	Cache *SymbolCache
}

// PatchResult collects the artifacts of a patch attempt. Fields are populated
// up to the reached Stage.
type PatchResult struct {
	Stage Stage
	Diff  *DiffResult
	Stub  *Stub
	Link  *LinkResult

	// OutputPath is the produced module, set only when Stage is StageLinked
	OutputPath string
}

// Changed reports whether the attempt found anything to patch
func (r *PatchResult) Changed() bool {
	return r.Diff != nil && len(r.Diff.ModifiedFiles) > 0
}

// Patch runs the full pipeline: load both object sets, diff them, synthesize
// the stub against the live process's addresses, and link the patch module.
// When the builds are identical it stops after the diff and links nothing.
func Patch(ctx context.Context, req PatchRequest) (*PatchResult, error) {
	logger := req.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	pass, err := NewPass(req.OldDir, req.NewDir, req.Target, logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pass.Close() }()
	result := &PatchResult{Stage: StageLoaded}

	result.Diff, err = pass.Diff()
	if err != nil {
		return result, err
	}
	result.Stage = StageDiffed
	if !result.Changed() {
		level.Info(logger).Log("msg", "builds are identical, nothing to patch")
		return result, nil
	}
	result.Stage = StageImportsResolved

	linker := &StubLinker{
		Target:           req.Target,
		ExePath:          req.ExePath,
		RuntimeEntryAddr: req.RuntimeEntryAddr,
		Logger:           logger,
		Cache:            req.Cache,
	}
	objects := make([]string, 0, len(result.Diff.ModifiedFiles)+1)
	for _, file := range sortedFileNames(result.Diff.ModifiedFiles) {
		objects = append(objects, pass.New[file].Path)
	}

	if req.Target.IsWasm() {
		// wasm-ld links the patch with --allow-undefined, so imports resolve
		// through the host's import machinery at load time and no stub object
		// exists for this format.
		level.Debug(logger).Log("msg", "wasm target, skipping stub synthesis",
			"imports", len(result.Diff.RequiredImports))
	} else {
		result.Stub, err = linker.BuildStub(result.Diff.RequiredImports)
		if err != nil {
			return result, err
		}
		result.Stage = StageStubBuilt

		stubPath, cleanup, err := writeStubFile(req.Target, req.OutPath, result.Stub.Object)
		if err != nil {
			return result, err
		}
		defer cleanup()
		objects = append(objects, stubPath)
	}

	result.Link, err = linker.Link(ctx, objects, req.OutPath)
	if err != nil {
		result.Stage = StageLinkFailed
		return result, err
	}
	result.Stage = StageLinked
	result.OutputPath = req.OutPath
	return result, nil
}

// writeStubFile places the stub object next to the output module so relative
// linker invocations keep working.
func writeStubFile(target Target, outPath string, object []byte) (string, func(), error) {
	ext := ".o"
	switch target.Format() {
	case FormatPE:
		ext = ".obj"
	case FormatWasm:
		ext = ".wasm"
	}
	path := filepath.Join(filepath.Dir(outPath), ".patch-stub"+ext)
	if err := os.WriteFile(path, object, 0o644); err != nil {
		return "", nil, linkErr(err, "write stub object")
	}
	return path, func() { _ = os.Remove(path) }, nil
}

func sortedFileNames(files map[string][]string) []string {
	set := make(map[string]struct{}, len(files))
	for f := range files {
		set[f] = struct{}{}
	}
	return sortedKeys(set)
}
