package ddt

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

type dotNode struct {
	id   int64
	node Node
}

func (n dotNode) ID() int64 { return n.id }

func (n dotNode) DOTID() string { return "n" + strconv.FormatInt(n.id, 10) }

func (n dotNode) Attributes() []encoding.Attribute {
	counts := make([]string, len(n.node.ClassCounts))
	for i, c := range n.node.ClassCounts {
		counts[i] = strconv.Itoa(c)
	}
	var label string
	if n.node.IsLeaf() {
		label = fmt.Sprintf("leaf %d\nsamples = %d\ncounts = [%s]", n.node.LeafIndex, n.node.Samples, strings.Join(counts, ", "))
	} else {
		label = fmt.Sprintf("z[%d] <= %.4f\ngini = %.3f\nsamples = %d\ncounts = [%s]",
			n.node.Feature, n.node.Threshold, n.node.Impurity, n.node.Samples, strings.Join(counts, ", "))
	}
	attrs := []encoding.Attribute{
		{Key: "label", Value: label},
		{Key: "shape", Value: "box"},
	}
	if n.node.IsLeaf() {
		attrs = append(attrs, encoding.Attribute{Key: "style", Value: "rounded"})
	}
	return attrs
}

// MarshalDOT renders the tree in Graphviz DOT.
func (t *Tree) MarshalDOT(name string) ([]byte, error) {
	g := simple.NewDirectedGraph()
	nodes := make([]dotNode, len(t.Nodes))
	for i, n := range t.Nodes {
		nodes[i] = dotNode{id: int64(i), node: n}
		g.AddNode(nodes[i])
	}
	for i, n := range t.Nodes {
		if n.IsLeaf() {
			continue
		}
		g.SetEdge(g.NewEdge(nodes[i], nodes[n.Left]))
		g.SetEdge(g.NewEdge(nodes[i], nodes[n.Right]))
	}
	return dot.Marshal(g, name, "", "  ")
}

// SaveDOT writes tree_<tag>.dot into dir and returns its path.
func (s *Snapshot) SaveDOT(dir, tag string) (string, error) {
	if s == nil || s.Tree == nil {
		return "", ErrNoTree
	}
	raw, err := s.Tree.MarshalDOT("ddt")
	if err != nil {
		return "", fmt.Errorf("marshal tree: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "tree_"+tag+".dot")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
