// Package ignore filters working-copy paths with gitignore-style rules
// read from .pijulignore.
package ignore

import (
	"bufio"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-billy/v5"
)

// FileName is the per-repository ignore file.
const FileName = ".pijulignore"

// Defaults are always ignored.
var Defaults = []string{
	".pijul/",
	".git/",
	".hg/",
	".svn/",
	"*.swp",
	".DS_Store",
}

type rule struct {
	glob    string
	negate  bool
	dirOnly bool
}

// Matcher holds rules in the order they were added. The last matching rule
// wins.
type Matcher struct {
	rules []rule
}

// New returns a matcher loaded with Defaults.
func New() *Matcher {
	m := &Matcher{}
	for _, d := range Defaults {
		m.Add(d)
	}
	return m
}

// Add parses one line of an ignore file. Blank lines and comments are
// skipped.
func (m *Matcher) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return
	}
	var r rule
	if line[0] == '!' {
		r.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		line = line[1:]
	} else if !strings.Contains(line, "/") {
		// unanchored basename pattern
		line = "**/" + line
	}
	if !doublestar.ValidatePattern(line) {
		return
	}
	r.glob = line
	m.rules = append(m.rules, r)
}

// Load reads name from fs. A missing file adds nothing.
func (m *Matcher) Load(fs billy.Filesystem, name string) error {
	f, err := fs.Open(name)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m.Add(sc.Text())
	}
	return sc.Err()
}

// Match reports whether the slash-separated relative path p is ignored.
func (m *Matcher) Match(p string, isDir bool) bool {
	p = strings.TrimPrefix(p, "./")
	ignored := false
	for _, r := range m.rules {
		if r.matches(p, isDir) {
			ignored = !r.negate
		}
	}
	return ignored
}

func (r rule) matches(p string, isDir bool) bool {
	if !r.dirOnly || isDir {
		if ok, _ := doublestar.Match(r.glob, p); ok {
			return true
		}
	}
	// a rule naming a directory covers everything below it
	parts := strings.Split(p, "/")
	for i := 1; i < len(parts); i++ {
		if ok, _ := doublestar.Match(r.glob, strings.Join(parts[:i], "/")); ok {
			return true
		}
	}
	return false
}
