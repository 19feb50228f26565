package patch67

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeFakeExecutable emits an ELF with the given text symbols and writes it
// to disk, standing in for the binary the running process was launched from.
func writeFakeExecutable(t *testing.T, entries []stubEntry) string {
	t.Helper()
	text := make([]byte, 48)
	obj, err := writeStubObject(Target{Arch: ArchX86_64, OS: OSLinux}, text, entries)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.WriteFile(path, obj, 0o755))
	return path
}

func TestBuildStub(t *testing.T) {
	exe := writeFakeExecutable(t, []stubEntry{
		{name: "main", offset: 0, size: 16, code: true},
		{name: "foo", offset: 16, size: 16, code: true},
		{name: "counter", absAddr: 0x500000},
	})

	linker := &StubLinker{
		Target:           Target{Arch: ArchX86_64, OS: OSLinux},
		ExePath:          exe,
		RuntimeEntryAddr: 0x4000, // static entry is 0, so the slide is 0x4000
	}
	stub, err := linker.BuildStub([]string{"foo", "counter", "missing"})
	require.NoError(t, err)

	require.EqualValues(t, 0x4000, stub.Slide)
	require.Equal(t, []string{"counter", "foo"}, stub.Resolved)
	require.Equal(t, []string{"missing"}, stub.Dropped)

	// Parse the emitted stub back and check the slide was applied
	path := filepath.Join(t.TempDir(), "stub.o")
	require.NoError(t, os.WriteFile(path, stub.Object, 0o644))
	v, err := OpenObjectView(path)
	require.NoError(t, err)
	defer v.Close()

	foo, ok := v.SymbolByName("foo")
	require.True(t, ok)
	require.True(t, foo.Code)
	require.EqualValues(t, 0, foo.Addr) // first trampoline in the stub text

	counter, ok := v.SymbolByName("counter")
	require.True(t, ok)
	require.False(t, counter.Code)
	require.EqualValues(t, 0x504000, counter.Addr)

	// The trampoline must carry foo's slid address: static 16 + slide
	text := v.sectionByName(".text")
	require.NotNil(t, text)
	require.Equal(t, byte(0x48), text.Data[0])
	require.Equal(t, byte(0xb8), text.Data[1])
	require.EqualValues(t, 0x4010, binary.LittleEndian.Uint64(text.Data[2:10]))
}

func TestBuildStubNegativeSlide(t *testing.T) {
	exe := writeFakeExecutable(t, []stubEntry{
		{name: "main", offset: 32, size: 16, code: true},
		{name: "foo", offset: 0, size: 16, code: true},
	})

	linker := &StubLinker{
		Target:           Target{Arch: ArchX86_64, OS: OSLinux},
		ExePath:          exe,
		RuntimeEntryAddr: 0x10, // below the static entry at 32
	}
	stub, err := linker.BuildStub([]string{"foo"})
	require.NoError(t, err)
	require.EqualValues(t, -16, stub.Slide)

	path := filepath.Join(t.TempDir(), "stub.o")
	require.NoError(t, os.WriteFile(path, stub.Object, 0o644))
	v, err := OpenObjectView(path)
	require.NoError(t, err)
	defer v.Close()

	text := v.sectionByName(".text")
	require.NotNil(t, text)
	// foo: static 0, slid by -16 wraps in two's complement
	require.Equal(t, ^uint64(15), binary.LittleEndian.Uint64(text.Data[2:10]))
}

func TestBuildStubMissingEntry(t *testing.T) {
	exe := writeFakeExecutable(t, []stubEntry{
		{name: "not_the_entry", offset: 0, size: 16, code: true},
	})

	linker := &StubLinker{
		Target:  Target{Arch: ArchX86_64, OS: OSLinux},
		ExePath: exe,
	}
	_, err := linker.BuildStub([]string{"anything"})
	require.Error(t, err)
	require.True(t, IsKind(err, KindMissingEntry))
}

// A function whose only change is a call retargeted from baz to bar: the diff
// must flag it, require bar from the running process, and the stub must carry
// a trampoline to bar's slid address.
func TestRetargetedCallGetsStub(t *testing.T) {
	buildA := func(targetName string) *ObjectView {
		data := []byte{1, 2, 3, 4, 0, 0, 0, 0}
		sec := Section{
			Name: ".text", Index: 0, Size: uint64(len(data)), Data: data,
			Relocs: []Reloc{{Offset: 4, SizeBits: 32, Target: RelocTarget{Kind: TargetSymbol, Index: 1}}},
		}
		return testView(FormatELF, "a.o", []Section{sec}, []Symbol{
			textSymbol("foo", 1, 0, 8, 0),
			{Name: targetName, Index: 2, Section: -1, Global: true},
		})
	}
	buildB := func() *ObjectView {
		return fileView("b.o", []byte{5, 6, 7, 8, 9, 10, 11, 12}, []Symbol{
			textSymbol("bar", 1, 0, 4, 0),
			textSymbol("baz", 2, 4, 4, 0),
		})
	}

	diff, err := diffPass(
		map[string]*ObjectView{"a.o": buildA("baz"), "b.o": buildB()},
		map[string]*ObjectView{"a.o": buildA("bar"), "b.o": buildB()},
	).Diff()
	require.NoError(t, err)
	require.Equal(t, []string{"foo"}, diff.ModifiedSymbols)
	require.Equal(t, []string{"bar"}, diff.RequiredImports)

	exe := writeFakeExecutable(t, []stubEntry{
		{name: "main", offset: 0, size: 16, code: true},
		{name: "bar", offset: 16, size: 16, code: true},
	})
	linker := &StubLinker{
		Target:           Target{Arch: ArchX86_64, OS: OSLinux},
		ExePath:          exe,
		RuntimeEntryAddr: 0x2000,
	}
	stub, err := linker.BuildStub(diff.RequiredImports)
	require.NoError(t, err)
	require.Equal(t, []string{"bar"}, stub.Resolved)

	path := filepath.Join(t.TempDir(), "stub.o")
	require.NoError(t, os.WriteFile(path, stub.Object, 0o644))
	v, err := OpenObjectView(path)
	require.NoError(t, err)
	defer v.Close()

	bar, ok := v.SymbolByName("bar")
	require.True(t, ok)
	require.True(t, bar.Code && bar.Global)
	text := v.sectionByName(".text")
	require.NotNil(t, text)
	require.EqualValues(t, 0x2010, binary.LittleEndian.Uint64(text.Data[2:10]))
}

func TestSymbolCacheReload(t *testing.T) {
	exeA := writeFakeExecutable(t, []stubEntry{
		{name: "main", offset: 0, size: 16, code: true},
		{name: "only_in_a", offset: 16, size: 16, code: true},
	})
	exeB := writeFakeExecutable(t, []stubEntry{
		{name: "main", offset: 0, size: 16, code: true},
		{name: "only_in_b", offset: 16, size: 16, code: true},
	})

	cache := &SymbolCache{}
	linker := &StubLinker{
		Target:  Target{Arch: ArchX86_64, OS: OSLinux},
		ExePath: exeA,
		Cache:   cache,
	}
	stub, err := linker.BuildStub([]string{"only_in_a"})
	require.NoError(t, err)
	require.Empty(t, stub.Dropped)

	// Same cache, different executable: the table must be reloaded
	linker.ExePath = exeB
	stub, err = linker.BuildStub([]string{"only_in_a", "only_in_b"})
	require.NoError(t, err)
	require.Equal(t, []string{"only_in_b"}, stub.Resolved)
	require.Equal(t, []string{"only_in_a"}, stub.Dropped)
}
