// Completion: 95% - Linker invocation complete, msvc link.exe not supported
package patch67

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/xyproto/env/v2"
)

// Environment overrides for the linker binaries. PATCH67_CC replaces the C
// compiler driver used for native targets, PATCH67_WASM_LD the wasm linker.
const (
	envCC     = "PATCH67_CC"
	envWasmLD = "PATCH67_WASM_LD"
)

// LinkResult captures a completed linker invocation for diagnostics
type LinkResult struct {
	OutputPath string
	Args       []string
	Stdout     string
	Stderr     string
}

// linkerCommand returns the linker binary and target-specific flags. Native
// targets go through the C compiler driver so the platform's default library
// search paths and linker come along for free.
func linkerCommand(target Target) (string, []string, error) {
	switch target.Format() {
	case FormatMachO:
		arch := "arm64"
		if target.Arch == ArchX86_64 {
			arch = "x86_64"
		}
		return env.Str(envCC, "cc"), []string{
			"-Wl,-dylib",
			"-Wl,-undefined,dynamic_lookup",
			"-Wl,-unexported_symbol,_main",
			"-Wl,-dead_strip",
			"-arch", arch,
		}, nil
	case FormatELF:
		return env.Str(envCC, "cc"), []string{
			"-shared",
			"-Wl,--unresolved-symbols=ignore-all",
			"-Wl,--gc-sections",
		}, nil
	case FormatWasm:
		return env.Str(envWasmLD, "wasm-ld"), []string{
			"--import-memory",
			"--import-table",
			"--growable-table",
			"--export-all",
			"--allow-undefined",
			"--no-entry",
			"--pie",
		}, nil
	case FormatPE:
		// MinGW-style driver; MSVC link.exe speaks a different flag dialect
		return env.Str(envCC, "cc"), []string{
			"-shared",
			"-Wl,--unresolved-symbols=ignore-all",
		}, nil
	default:
		return "", nil, unsupportedErr("no linker configuration for %s", target.Format())
	}
}

// Link drives the system linker over the changed objects plus the stub and
// produces a loadable patch module at outPath.
func (s *StubLinker) Link(ctx context.Context, objects []string, outPath string) (*LinkResult, error) {
	logger := s.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	bin, flags, err := linkerCommand(s.Target)
	if err != nil {
		return nil, err
	}

	args := append([]string{}, flags...)
	if s.Target.IsELF() {
		// The patch module must not re-export the entry point: the loader
		// resolves symbols patch-first, and a second "main" would shadow the
		// running one. ld only takes the hide list from a version script.
		script, cleanup, err := writeVersionScript(outPath)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		args = append(args, "-Wl,--version-script="+script)
	}
	args = append(args, objects...)
	args = append(args, "-o", outPath)

	level.Debug(logger).Log("msg", "invoking linker", "bin", bin, "args", strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	result := &LinkResult{
		OutputPath: outPath,
		Args:       append([]string{bin}, args...),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
	}
	if runErr != nil {
		level.Error(logger).Log("msg", "linker failed", "bin", bin, "stderr", result.Stderr)
		return result, linkErr(runErr, "%s: %s", bin, strings.TrimSpace(result.Stderr))
	}
	level.Info(logger).Log("msg", "patch module linked", "out", outPath, "objects", len(objects))
	return result, nil
}

// writeVersionScript emits a GNU ld version script next to the output that
// demotes the entry point to local binding.
func writeVersionScript(outPath string) (string, func(), error) {
	path := filepath.Join(filepath.Dir(outPath), ".patch-version-script")
	content := "{ local: " + entryPointName + "; };\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", nil, linkErr(err, "write version script")
	}
	return path, func() { _ = os.Remove(path) }, nil
}
