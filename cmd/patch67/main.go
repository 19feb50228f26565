// Completion: 100% - CLI complete
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/xyproto/patch67"
)

var cfg struct {
	verbose bool
	target  string
	oldDir  string
	newDir  string
	diff    struct {
		explain string
	}
	patch struct {
		exe       string
		entryAddr string
		out       string
	}
}

var logger = log.NewLogfmtLogger(os.Stderr)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Diff two builds' object files and link the changed parts into a loadable patch module.").UsageWriter(os.Stdout)
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("false").BoolVar(&cfg.verbose)
	app.Flag("target", "Target triple, like arm64-darwin or x86_64-linux.").Required().StringVar(&cfg.target)
	app.Flag("old", "Directory with the running build's object files.").Required().ExistingDirVar(&cfg.oldDir)
	app.Flag("new", "Directory with the fresh build's object files.").Required().ExistingDirVar(&cfg.newDir)

	diffCmd := app.Command("diff", "Report changed symbols and required imports without linking.")
	diffCmd.Flag("explain", "Print the caller chain from this symbol to the entry point.").StringVar(&cfg.diff.explain)

	patchCmd := app.Command("patch", "Produce a loadable patch module.")
	patchCmd.Flag("exe", "Executable the running process was launched from.").Required().ExistingFileVar(&cfg.patch.exe)
	patchCmd.Flag("entry-addr", "Entry point address in the live process (hex accepted).").Required().StringVar(&cfg.patch.entryAddr)
	patchCmd.Flag("out", "Output path for the patch module.").Required().StringVar(&cfg.patch.out)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	target, err := patch67.ParseTarget(cfg.target)
	if err != nil {
		fatal(err)
	}

	switch parsedCmd {
	case diffCmd.FullCommand():
		fatal(runDiff(target))
	case patchCmd.FullCommand():
		fatal(runPatch(target))
	}
}

func runDiff(target patch67.Target) error {
	pass, err := patch67.NewPass(cfg.oldDir, cfg.newDir, target, logger)
	if err != nil {
		return err
	}
	defer pass.Close()

	diff, err := pass.Diff()
	if err != nil {
		return err
	}
	for _, sym := range diff.ModifiedSymbols {
		fmt.Println(sym)
	}
	if len(diff.RequiredImports) > 0 {
		fmt.Println()
		fmt.Println("required imports:")
		for _, imp := range diff.RequiredImports {
			fmt.Println("  " + imp)
		}
	}
	if cfg.diff.explain != "" {
		path := diff.PathToEntry(cfg.diff.explain)
		if path == nil {
			fmt.Printf("\nno known path from %s to an entry point\n", cfg.diff.explain)
		} else {
			fmt.Println()
			for i, step := range path {
				fmt.Printf("%*s%s\n", i*2, "", step)
			}
		}
	}
	return nil
}

func runPatch(target patch67.Target) error {
	entryAddr, err := strconv.ParseUint(cfg.patch.entryAddr, 0, 64)
	if err != nil {
		return fmt.Errorf("bad --entry-addr %q: %w", cfg.patch.entryAddr, err)
	}

	result, err := patch67.Patch(context.Background(), patch67.PatchRequest{
		Target:           target,
		OldDir:           cfg.oldDir,
		NewDir:           cfg.newDir,
		ExePath:          cfg.patch.exe,
		RuntimeEntryAddr: entryAddr,
		OutPath:          cfg.patch.out,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	if !result.Changed() {
		fmt.Println("builds are identical, nothing to patch")
		return nil
	}
	fmt.Printf("patched %d file(s), %d symbol(s): %s\n",
		len(result.Diff.ModifiedFiles), len(result.Diff.ModifiedSymbols), result.OutputPath)
	return nil
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
