package patch

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// WriteChanges writes the list of applied external hashes, one per line.
func WriteChanges(fs billy.Filesystem, name string, hashes []graph.Hash) error {
	var buf bytes.Buffer
	for _, h := range hashes {
		buf.WriteString(h.String())
		buf.WriteByte('\n')
	}
	if err := util.WriteFile(fs, name, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing changes file: %w", err)
	}
	return nil
}

// ReadChanges reads a file written by WriteChanges. A missing file is an
// empty list.
func ReadChanges(fs billy.Filesystem, name string) ([]graph.Hash, error) {
	b, err := util.ReadFile(fs, name)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading changes file: %w", err)
	}
	var out []graph.Hash
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		h, err := graph.ParseHash(line)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, sc.Err()
}
