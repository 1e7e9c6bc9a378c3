package logger

import (
	"bufio"
	"os"
	"path/filepath"
)

// Tail returns up to the last n lines of the file at path.
// A missing file yields no lines and no error.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 || path == "" {
		return nil, nil
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}
