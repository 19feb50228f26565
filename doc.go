// Package patch67 diffs two builds' object files and links the changed parts
// into a loadable patch module for a running process.
//
// The pipeline has three stages. First the object files of both builds are
// parsed into format-independent views (ELF, Mach-O, COFF and relocatable
// WebAssembly are understood) and each eligible section is segmented into
// per-symbol byte ranges with their relocations. Then pairs of symbols are
// compared with the relocation sites masked out, so two builds that differ
// only in the addresses the linker happened to assign compare as equal, and
// the surviving differences become the modified-symbol set. Finally a stub
// object is synthesized: for every import the changed objects need from the
// unchanged remainder of the program, a trampoline jumping to the symbol's
// ASLR-corrected address inside the live process. The system linker turns the
// changed objects plus the stub into a dynamic library ready for dlopen.
package patch67
