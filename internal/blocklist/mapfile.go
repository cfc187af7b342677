package blocklist

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"edgeguard/internal/netrange"
)

// Map values understood by the proxy configuration.
const (
	TagBlock  = "1"
	TagPermit = "0"
)

// BuildMap renders ranges as "<range> <tag>;" lines sorted by key.
func BuildMap(ranges []netrange.Range, tag string) []byte {
	return BuildMapKeys(netrange.Strings(ranges), tag)
}

// BuildMapKeys sorts keys and renders one "<key> <tag>;" line per key.
func BuildMapKeys(keys []string, tag string) []byte {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)

	var b strings.Builder
	for _, k := range sorted {
		b.WriteString(k)
		b.WriteByte(' ')
		b.WriteString(tag)
		b.WriteString(";\n")
	}
	return []byte(b.String())
}

// ReadMapKeys returns the keys of a published map file. Blank lines, comments
// and the default entry are skipped. A missing file has no keys.
func ReadMapKeys(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open map %s: %w", path, err)
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		key := strings.TrimSuffix(fields[0], ";")
		if key == "" || key == "default" {
			continue
		}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read map %s: %w", path, err)
	}
	return keys, nil
}
