package products

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// appendLine appends line to path, writing header first when the file is new.
func appendLine(path, header, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if fresh && header != "" {
		if _, err := f.WriteString(header + "\n"); err != nil {
			f.Close()
			return err
		}
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// removeLines rewrites path without the lines drop selects. Missing files are left alone.
func removeLines(path string, drop func(line string) bool) (int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var kept []string
	removed := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if drop(line) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := path + ".tmp"
	body := strings.Join(kept, "\n")
	if len(kept) > 0 {
		body += "\n"
	}
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("replace %s: %w", path, err)
	}
	return removed, nil
}
