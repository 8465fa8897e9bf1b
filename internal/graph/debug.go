package graph

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/colemickens/pijul-sub000/internal/kv"
)

// Debug writes the node graph in Graphviz dot syntax. Only child-direction
// records are drawn; parent records are their mirrors.
func (g *Graph) Debug(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph pristine {")

	seen := map[Key]bool{}
	it := kv.NewIter(g.Txn, kv.Nodes, nil, nil)
	for it.Next() {
		p := it.Pair()
		from, err := KeyFromBytes(p.Key)
		if err != nil {
			return err
		}
		e, err := DecodeEdge(p.Value)
		if err != nil {
			return err
		}
		if !seen[from] {
			seen[from] = true
			contents, err := g.Contents(from)
			if err != nil {
				return err
			}
			fmt.Fprintf(bw, "  n_%s [label=%s];\n", from, strconv.Quote(nodeLabel(from, contents)))
		}
		if e.Flag&Parent != 0 {
			continue
		}
		style := "solid"
		switch {
		case e.Flag&Pseudo != 0:
			style = "dotted"
		case e.Flag&Deleted != 0:
			style = "dashed"
		}
		color := "black"
		if e.Flag&Folder != 0 {
			color = "blue"
		}
		fmt.Fprintf(bw, "  n_%s -> n_%s [style=%s, color=%s, label=%q];\n",
			from, e.Dest, style, color, e.Flag.String()+" "+e.Introducer.String()[:8])
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

func nodeLabel(k Key, contents []byte) string {
	id := k.Hash().String()[:8] + ":" + strconv.FormatUint(uint64(k.Line()), 10)
	if len(contents) > 40 {
		contents = contents[:40]
	}
	return id + "\n" + string(contents)
}
