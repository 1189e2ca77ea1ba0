package app

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// readIDList reads one id per line. Blank lines and lines starting with #
// are ignored. An empty path yields nil.
func readIDList(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open id list: %w", err)
	}
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read id list %s: %w", path, err)
	}
	return ids, nil
}
