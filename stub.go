// Completion: 95% - Stub planning complete, TLS init images not carried over
package patch67

import (
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// cachedSymbol is one entry of the on-disk executable's symbol table
type cachedSymbol struct {
	addr uint64
	code bool
}

// SymbolCache holds the parsed symbol table of the on-disk executable. The
// executable can be hundreds of megabytes; parsing it once and reusing the
// table across patch attempts takes a large bite out of patch latency.
type SymbolCache struct {
	mu        sync.Mutex
	path      string
	symbols   map[string]cachedSymbol
	entryAddr uint64
	entryOK   bool
}

// table returns the name->address table for the executable at path, loading
// it on first use or when the path changes.
func (c *SymbolCache) table(path string) (map[string]cachedSymbol, uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path != path || c.symbols == nil {
		v, err := OpenObjectView(path)
		if err != nil {
			return nil, 0, false, err
		}
		symbols := make(map[string]cachedSymbol, len(v.symbols))
		for i := range v.symbols {
			s := &v.symbols[i]
			if !s.Defined || s.Name == "" || s.sectionSymbol {
				continue
			}
			if _, dup := symbols[s.Name]; !dup {
				symbols[s.Name] = cachedSymbol{addr: s.Addr, code: s.Code}
			}
		}
		entry, entryOK := symbols[entryPointName]
		_ = v.Close()

		c.path = path
		c.symbols = symbols
		c.entryAddr = entry.addr
		c.entryOK = entryOK
	}
	return c.symbols, c.entryAddr, c.entryOK, nil
}

// StubLinker turns the unresolved import set of a diff into a loadable patch
// module: it synthesizes a trampoline object against the running process's
// addresses and drives the system linker over it plus the changed objects.
type StubLinker struct {
	Target Target

	// ExePath is the on-disk executable the running process was launched from
	ExePath string

	// RuntimeEntryAddr is the entry point's address as currently mapped in
	// the live process, supplied by a process-inspection collaborator
	RuntimeEntryAddr uint64

	Logger log.Logger

	// Cache may be shared across attempts for the same executable
	Cache *SymbolCache
}

// Stub is the synthesized object satisfying the still-needed imports
type Stub struct {
	// Object is the synthetic object file, ready to be written next to the
	// changed objects and handed to the linker
	Object []byte

	// Resolved lists the imports the stub satisfies, in trampoline order
	Resolved []string

	// Dropped lists imports with no match in the on-disk executable. The
	// patch loads fine without them unless one is actually invoked.
	Dropped []string

	// Slide is the ASLR offset observed in the live process
	Slide int64
}

// BuildStub computes ASLR-corrected addresses for every still-needed import
// and emits the trampoline object.
func (s *StubLinker) BuildStub(imports []string) (*Stub, error) {
	logger := s.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cache := s.Cache
	if cache == nil {
		cache = &SymbolCache{}
	}

	table, entryAddr, entryOK, err := cache.table(s.ExePath)
	if err != nil {
		return nil, err
	}
	if !entryOK {
		return nil, missingEntryErr("%s: no %q symbol; cannot compute ASLR slide", s.ExePath, entryPointName)
	}
	slide := int64(s.RuntimeEntryAddr) - int64(entryAddr)
	level.Debug(logger).Log("msg", "aslr slide", "static_entry", entryAddr,
		"runtime_entry", s.RuntimeEntryAddr, "slide", slide)

	encoder, err := NewEncoder(s.Target.Arch)
	if err != nil {
		return nil, err
	}

	sorted := make([]string, len(imports))
	copy(sorted, imports)
	sort.Strings(sorted)

	stub := &Stub{Slide: slide}
	var (
		text    []byte
		entries []stubEntry
	)
	for _, name := range sorted {
		sym, ok := table[name]
		if !ok {
			// Soft failure: the import cannot be satisfied this way. The
			// module will only fail to load if the symbol is actually used.
			level.Warn(logger).Log("msg", "import not found in executable", "symbol", name)
			stub.Dropped = append(stub.Dropped, name)
			continue
		}
		runtimeAddr := uint64(int64(sym.addr) + slide)
		if sym.code {
			entries = append(entries, stubEntry{
				name:   name,
				offset: uint64(len(text)),
				size:   uint64(encoder.TrampolineSize()),
				code:   true,
			})
			text = append(text, encoder.Trampoline(runtimeAddr)...)
		} else {
			entries = append(entries, stubEntry{
				name:    name,
				absAddr: runtimeAddr,
			})
		}
		stub.Resolved = append(stub.Resolved, name)
	}

	stub.Object, err = writeStubObject(s.Target, text, entries)
	if err != nil {
		return nil, err
	}
	level.Info(logger).Log("msg", "stub built", "resolved", len(stub.Resolved),
		"dropped", len(stub.Dropped), "text_bytes", len(text))
	return stub, nil
}
