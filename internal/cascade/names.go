package cascade

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// UnknownLabel is reported for class indices outside the names table.
const UnknownLabel = "Unknown"

// Names maps class indices to labels.
type Names []string

// DefaultClassifierNames is the label order of the binary classifier.
var DefaultClassifierNames = Names{LabelNormal, LabelAnomalous}

// DefaultDetectorNames is used when no names file is configured.
var DefaultDetectorNames = Names{"Knife", "Pistol", "Rifle"}

// Label returns the label for class index i.
func (n Names) Label(i int) string {
	if i < 0 || i >= len(n) {
		return UnknownLabel
	}
	return n[i]
}

// Index returns the class index of label, or -1.
func (n Names) Index(label string) int {
	for i, l := range n {
		if l == label {
			return i
		}
	}
	return -1
}

// LoadNames reads a names file with one label per line. Blank lines and lines
// starting with # are skipped.
func LoadNames(path string) (Names, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open names file: %w", err)
	}
	defer f.Close()

	names, err := ParseNames(f)
	if err != nil {
		return nil, fmt.Errorf("read names file %s: %w", path, err)
	}
	return names, nil
}

// ParseNames reads one label per line from r.
func ParseNames(r io.Reader) (Names, error) {
	var names Names
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no labels found")
	}
	return names, nil
}
