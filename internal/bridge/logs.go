package bridge

import (
	"bufio"
	"errors"
	"os"
)

// MaxLogLines caps LogTail requests.
const MaxLogLines = 5000

// LogTail returns up to n trailing lines of the current run's output.
// A missing log file yields no lines.
func (s *Supervisor) LogTail(n int) ([]string, error) {
	if s.opts.LogPath == "" {
		return nil, nil
	}
	if n <= 0 {
		n = 200
	}
	if n > MaxLogLines {
		n = MaxLogLines
	}

	f, err := os.Open(s.opts.LogPath)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, n)
	count := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		ring[count%n] = sc.Text()
		count++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if count <= n {
		return append([]string{}, ring[:count]...), nil
	}
	out := make([]string, 0, n)
	start := count % n
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}
