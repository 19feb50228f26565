// Completion: 100% - Platform-specific module complete
//go:build !windows

package patch67

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile memory-maps a file read-only. The returned release function unmaps
// it; the bytes must not be used afterwards. Empty files yield a nil slice.
func mapFile(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if st.Size() == 0 {
		return nil, func() error { return nil }, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
