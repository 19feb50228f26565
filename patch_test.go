package patch67

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xyproto/env/v2"
)

// writeBuildDir materializes one object file in a fresh directory, so the
// pipeline is exercised through real file loading.
func writeBuildDir(t *testing.T, fill byte) string {
	t.Helper()
	text := make([]byte, 32)
	for i := range text {
		text[i] = fill
	}
	obj, err := writeStubObject(Target{Arch: ArchX86_64, OS: OSLinux}, text, []stubEntry{
		{name: "main", offset: 0, size: 32, code: true},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.o"), obj, 0o644))
	return dir
}

func TestPatchIdenticalBuilds(t *testing.T) {
	oldDir := writeBuildDir(t, 0x90)
	newDir := writeBuildDir(t, 0x90)

	result, err := Patch(context.Background(), PatchRequest{
		Target: Target{Arch: ArchX86_64, OS: OSLinux},
		OldDir: oldDir,
		NewDir: newDir,
		// Executable and output are never touched when nothing changed
		ExePath: filepath.Join(t.TempDir(), "does-not-exist"),
		OutPath: filepath.Join(t.TempDir(), "patch.so"),
	})
	require.NoError(t, err)
	require.Equal(t, StageDiffed, result.Stage)
	require.False(t, result.Changed())
	require.Nil(t, result.Stub)
	require.Nil(t, result.Link)
}

func TestPatchEndToEnd(t *testing.T) {
	oldDir := writeBuildDir(t, 0x90)
	newDir := writeBuildDir(t, 0x91)
	outDir := t.TempDir()

	// Stand in for the real toolchain; the linker contract is just argv in,
	// exit status out.
	t.Cleanup(env.Load) // drop the override from the cache once Setenv restores it
	t.Setenv(envCC, "true")
	env.Load() // the env package caches the environment at first read

	result, err := Patch(context.Background(), PatchRequest{
		Target:           Target{Arch: ArchX86_64, OS: OSLinux},
		OldDir:           oldDir,
		NewDir:           newDir,
		ExePath:          filepath.Join(oldDir, "a.o"),
		RuntimeEntryAddr: 0x7f0000001000,
		OutPath:          filepath.Join(outDir, "patch.so"),
	})
	require.NoError(t, err)
	require.Equal(t, StageLinked, result.Stage)
	require.True(t, result.Changed())

	require.Equal(t, []string{"main"}, result.Diff.ModifiedSymbols)
	require.Empty(t, result.Diff.RequiredImports)
	require.NotNil(t, result.Stub)
	require.EqualValues(t, 0x7f0000001000, result.Stub.Slide)

	require.NotNil(t, result.Link)
	require.Equal(t, filepath.Join(outDir, "patch.so"), result.OutputPath)
	// The changed object and the stub both go to the linker
	require.Contains(t, result.Link.Args, filepath.Join(newDir, "a.o"))
	require.Contains(t, result.Link.Args, filepath.Join(outDir, ".patch-stub.o"))
}

// writeWasmBuildDir materializes one relocatable wasm object whose single
// function body carries the given opcode.
func writeWasmBuildDir(t *testing.T, op byte) string {
	t.Helper()
	var mod bytes.Buffer
	mod.WriteString(wasmMagic)
	mod.Write([]byte{1, 0, 0, 0})
	wasmSection(&mod, wasmSecType, []byte{0x01, 0x60, 0x00, 0x00})
	wasmSection(&mod, wasmSecFunction, []byte{0x01, 0x00})
	wasmSection(&mod, wasmSecCode, []byte{0x01, 0x03, 0x00, op, 0x0b})

	var symtab bytes.Buffer
	wasmUleb(&symtab, 1)
	symtab.WriteByte(0) // SYMTAB_FUNCTION
	wasmUleb(&symtab, 0)
	wasmUleb(&symtab, 0)
	wasmName(&symtab, "f")
	var linking bytes.Buffer
	wasmName(&linking, "linking")
	wasmUleb(&linking, 2)
	linking.WriteByte(wasmSymtabSubsection)
	wasmUleb(&linking, uint64(symtab.Len()))
	linking.Write(symtab.Bytes())
	wasmSection(&mod, wasmSecCustom, linking.Bytes())

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.wasm"), mod.Bytes(), 0o644))
	return dir
}

func TestPatchWasmLinksWithoutStub(t *testing.T) {
	oldDir := writeWasmBuildDir(t, 0x01) // nop
	newDir := writeWasmBuildDir(t, 0x1a) // drop
	outDir := t.TempDir()

	t.Cleanup(env.Load)
	t.Setenv(envWasmLD, "true")
	env.Load()

	result, err := Patch(context.Background(), PatchRequest{
		Target:  Target{Arch: ArchWasm32, OS: OSWasi},
		OldDir:  oldDir,
		NewDir:  newDir,
		OutPath: filepath.Join(outDir, "patch.wasm"),
	})
	require.NoError(t, err)
	require.Equal(t, StageLinked, result.Stage)
	require.Equal(t, []string{"f"}, result.Diff.ModifiedSymbols)

	// Imports resolve through --allow-undefined at load time: no stub object
	// is built or handed to the linker.
	require.Nil(t, result.Stub)
	require.Contains(t, result.Link.Args, filepath.Join(newDir, "a.wasm"))
	for _, arg := range result.Link.Args {
		require.NotContains(t, arg, ".patch-stub")
	}
}

func TestPatchLinkFailure(t *testing.T) {
	oldDir := writeBuildDir(t, 0x90)
	newDir := writeBuildDir(t, 0x91)

	t.Cleanup(env.Load)
	t.Setenv(envCC, "false")
	env.Load()

	result, err := Patch(context.Background(), PatchRequest{
		Target:           Target{Arch: ArchX86_64, OS: OSLinux},
		OldDir:           oldDir,
		NewDir:           newDir,
		ExePath:          filepath.Join(oldDir, "a.o"),
		RuntimeEntryAddr: 0x1000,
		OutPath:          filepath.Join(t.TempDir(), "patch.so"),
	})
	require.Error(t, err)
	require.True(t, IsKind(err, KindLink))
	require.Equal(t, StageLinkFailed, result.Stage)
}

func TestPatchBadObjectDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.o"), []byte("not an object"), 0o644))

	_, err := Patch(context.Background(), PatchRequest{
		Target: Target{Arch: ArchX86_64, OS: OSLinux},
		OldDir: dir,
		NewDir: dir,
	})
	require.Error(t, err)
	require.True(t, IsKind(err, KindParse))
}
