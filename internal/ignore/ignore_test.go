package ignore

import (
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

func TestRules(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		isDir   bool
		want    bool
	}{
		{"*.o", "main.o", false, true},
		{"*.o", "src/main.o", false, true},
		{"*.o", "main.c", false, false},
		{"out/", "out", true, true},
		{"out/", "out", false, false},
		{"out/", "out/a/b.txt", false, true},
		{"out/", "src/out/x", false, true},
		{"/build", "build", true, true},
		{"/build", "src/build", true, false},
		{"docs/*.md", "docs/a.md", false, true},
		{"docs/*.md", "docs/sub/a.md", false, false},
		{"docs/**/*.md", "docs/sub/a.md", false, true},
	}
	for _, tt := range tests {
		m := &Matcher{}
		m.Add(tt.pattern)
		if got := m.Match(tt.path, tt.isDir); got != tt.want {
			t.Errorf("pattern %q, path %q (dir=%v): got %v, want %v", tt.pattern, tt.path, tt.isDir, got, tt.want)
		}
	}
}

func TestNegationLastRuleWins(t *testing.T) {
	m := &Matcher{}
	m.Add("*.log")
	m.Add("!keep.log")
	if !m.Match("debug.log", false) {
		t.Error("debug.log should be ignored")
	}
	if m.Match("keep.log", false) {
		t.Error("keep.log should not be ignored")
	}
}

func TestDefaults(t *testing.T) {
	m := New()
	for _, p := range []string{".pijul", ".pijul/pristine/pristine.db", ".git/HEAD"} {
		if !m.Match(p, p == ".pijul") {
			t.Errorf("%s should be ignored", p)
		}
	}
	if m.Match("src/main.go", false) {
		t.Error("src/main.go should not be ignored")
	}
}

func TestLoad(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, FileName, []byte("# comment\n\n*.tmp\n/vendor/\n"), 0644); err != nil {
		t.Fatal(err)
	}
	m := New()
	if err := m.Load(fs, FileName); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m.Match("a/b.tmp", false) {
		t.Error("a/b.tmp should be ignored")
	}
	if !m.Match("vendor/x.go", false) {
		t.Error("vendor/x.go should be ignored")
	}
	if m.Match("src/vendor/x.go", false) {
		t.Error("anchored rule should not match below the root")
	}
	if err := (&Matcher{}).Load(fs, "missing"); err != nil {
		t.Errorf("missing file: %v", err)
	}
}
