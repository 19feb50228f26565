// Completion: 100% - Platform-specific module complete
//go:build windows

package patch67

import "os"

// mapFile reads a file fully into memory. Windows file mapping objects are
// not worth the ceremony for object files that are read once per pass.
func mapFile(path string) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, func() error { return nil }, nil
}
