package engine

import (
	"fmt"
	"os"
	"strings"
)

// ReadNames reads one class label per line. CRLF endings and blank lines are tolerated.
func ReadNames(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read names %s: %w", path, err)
	}
	raw := strings.Split(string(b), "\n")
	names := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		names = append(names, l)
	}
	return names, nil
}

// NamesConf is either an inline list or a file path, as in the server config.
type NamesConf struct {
	File string
	List []string
}

func (n NamesConf) Resolve() ([]string, error) {
	if n.File != "" {
		return ReadNames(n.File)
	}
	return append([]string(nil), n.List...), nil
}

func labelFor(names []string, classID int) string {
	if classID >= 0 && classID < len(names) {
		return names[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}
