package ddt

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"cpvae/internal/numeric"
)

var ErrNoExamples = errors.New("no examples to fit")

// Node is one entry of a flat tree. Child and parent links are indices into
// Tree.Nodes, -1 when absent.
type Node struct {
	Parent      int
	Left        int
	Right       int
	Depth       int
	Feature     int
	Threshold   float64
	LeafIndex   int
	Samples     int
	ClassCounts []int
	Impurity    float64
}

func (n Node) IsLeaf() bool {
	return n.Left < 0
}

// Tree is a binary classification tree. Nodes are stored in pre-order so
// every parent precedes its children, and leaves are numbered in the same
// order (left before right).
type Tree struct {
	Nodes      []Node
	NumClasses int
	Dim        int
	leaves     []int
}

// TreeOptions bound the growth of a fit. Zero or negative values mean
// unbounded for MaxDepth and MaxLeafNodes.
type TreeOptions struct {
	MaxDepth     int
	MaxLeafNodes int
	MinLeaf      int
	MinSplit     int
}

func (o TreeOptions) withDefaults() TreeOptions {
	if o.MinLeaf <= 0 {
		o.MinLeaf = 1
	}
	if o.MinSplit <= 0 {
		o.MinSplit = 2
	}
	return o
}

// growNode is a node under construction, linked by pointer until the tree
// is flattened.
type growNode struct {
	id          int
	depth       int
	inx         []int
	classCounts []int
	impurity    float64
	split       split
	left, right *growNode
}

type split struct {
	feature   int
	threshold float64
	gain      float64
	ok        bool
}

// frontier orders expandable nodes by impurity decrease, then creation order.
type frontier []*growNode

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].split.gain != f[j].split.gain {
		return f[i].split.gain > f[j].split.gain
	}
	return f[i].id < f[j].id
}
func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)   { *f = append(*f, x.(*growNode)) }
func (f *frontier) Pop() any {
	old := *f
	n := old[len(old)-1]
	*f = old[:len(old)-1]
	return n
}

// Fit grows a CART classifier on X with integer labels y in [0, numClasses).
// Nodes are expanded best-first by weighted Gini decrease until no split
// helps or a bound is hit.
func Fit(X [][]float64, y []int, numClasses int, opts TreeOptions) (*Tree, error) {
	if len(X) == 0 || len(X) != len(y) {
		return nil, fmt.Errorf("%w: %d rows, %d labels", ErrNoExamples, len(X), len(y))
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive: %d", numClasses)
	}
	for i, label := range y {
		if label < 0 || label >= numClasses {
			return nil, fmt.Errorf("label %d at row %d outside [0,%d)", label, i, numClasses)
		}
	}
	opts = opts.withDefaults()
	b := &builder{X: X, y: y, numClasses: numClasses, total: float64(len(y)), opts: opts}

	inx := make([]int, len(y))
	for i := range inx {
		inx[i] = i
	}
	root := b.newNode(inx, 0)
	leaves := 1
	var f frontier
	if root.split.ok {
		heap.Push(&f, root)
	}
	for f.Len() > 0 {
		if opts.MaxLeafNodes > 0 && leaves >= opts.MaxLeafNodes {
			break
		}
		n := heap.Pop(&f).(*growNode)
		l, r := b.partition(n)
		n.left = b.newNode(l, n.depth+1)
		n.right = b.newNode(r, n.depth+1)
		leaves++
		for _, child := range []*growNode{n.left, n.right} {
			if child.split.ok {
				heap.Push(&f, child)
			}
		}
	}
	return flatten(root, numClasses, len(X[0])), nil
}

type builder struct {
	X          [][]float64
	y          []int
	numClasses int
	total      float64
	opts       TreeOptions
	nextID     int
}

func (b *builder) newNode(inx []int, depth int) *growNode {
	n := &growNode{id: b.nextID, depth: depth, inx: inx, classCounts: make([]int, b.numClasses)}
	b.nextID++
	for _, i := range inx {
		n.classCounts[b.y[i]]++
	}
	n.impurity = gini(len(inx), n.classCounts)
	if b.canSplit(n) {
		n.split = b.bestSplit(n)
	}
	return n
}

func (b *builder) canSplit(n *growNode) bool {
	if len(n.inx) < b.opts.MinSplit || len(n.inx) < 2*b.opts.MinLeaf {
		return false
	}
	if b.opts.MaxDepth > 0 && n.depth >= b.opts.MaxDepth {
		return false
	}
	return n.impurity > 1e-12
}

// bestSplit scans features in index order; for each it sorts the node's
// examples and sweeps the class counters from right to left.
func (b *builder) bestSplit(n *growNode) split {
	var best split
	count := len(n.inx)
	sorted := make([]int, count)
	left := make([]int, b.numClasses)
	right := make([]int, b.numClasses)
	for f := range b.X[0] {
		copy(sorted, n.inx)
		sort.SliceStable(sorted, func(i, j int) bool {
			return b.X[sorted[i]][f] < b.X[sorted[j]][f]
		})
		for c := range left {
			left[c] = 0
		}
		copy(right, n.classCounts)
		for i := 1; i < count; i++ {
			label := b.y[sorted[i-1]]
			left[label]++
			right[label]--
			lo, hi := b.X[sorted[i-1]][f], b.X[sorted[i]][f]
			if hi <= lo {
				continue
			}
			if i < b.opts.MinLeaf || count-i < b.opts.MinLeaf {
				continue
			}
			childImpurity := (float64(i)*gini(i, left) + float64(count-i)*gini(count-i, right)) / b.total
			gain := float64(count)/b.total*n.impurity - childImpurity
			if gain > 1e-12 && (!best.ok || gain > best.gain) {
				threshold := lo + (hi-lo)/2
				if threshold >= hi {
					threshold = lo
				}
				best = split{feature: f, threshold: threshold, gain: gain, ok: true}
			}
		}
	}
	return best
}

func (b *builder) partition(n *growNode) (left, right []int) {
	for _, i := range n.inx {
		if b.X[i][n.split.feature] <= n.split.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}

func gini(n int, counts []int) float64 {
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range counts {
		p := float64(c) / float64(n)
		sum += p * p
	}
	return 1 - sum
}

func flatten(root *growNode, numClasses, dim int) *Tree {
	t := &Tree{NumClasses: numClasses, Dim: dim}
	var visit func(n *growNode, parent int) int
	visit = func(n *growNode, parent int) int {
		idx := len(t.Nodes)
		t.Nodes = append(t.Nodes, Node{
			Parent:      parent,
			Left:        -1,
			Right:       -1,
			Depth:       n.depth,
			Feature:     -1,
			LeafIndex:   -1,
			Samples:     len(n.inx),
			ClassCounts: n.classCounts,
			Impurity:    n.impurity,
		})
		if n.left == nil {
			t.Nodes[idx].LeafIndex = len(t.leaves)
			t.leaves = append(t.leaves, idx)
			return idx
		}
		t.Nodes[idx].Feature = n.split.feature
		t.Nodes[idx].Threshold = n.split.threshold
		l := visit(n.left, idx)
		r := visit(n.right, idx)
		t.Nodes[idx].Left = l
		t.Nodes[idx].Right = r
		return idx
	}
	visit(root, -1)
	return t
}

// Rebuild restores the leaf index of a tree whose nodes were loaded from
// storage.
func Rebuild(nodes []Node, numClasses, dim int) (*Tree, error) {
	if len(nodes) == 0 {
		return nil, ErrNoExamples
	}
	if nodes[0].Parent != -1 {
		return nil, fmt.Errorf("root parent is %d, want -1", nodes[0].Parent)
	}
	t := &Tree{Nodes: nodes, NumClasses: numClasses, Dim: dim}
	linked := make([]bool, len(nodes))
	linked[0] = true
	for i, n := range nodes {
		if i > 0 && !linked[i] {
			return nil, fmt.Errorf("node %d: not a child of its parent %d", i, n.Parent)
		}
		if n.IsLeaf() {
			if n.LeafIndex != len(t.leaves) {
				return nil, fmt.Errorf("node %d: leaf index %d out of pre-order", i, n.LeafIndex)
			}
			t.leaves = append(t.leaves, i)
			continue
		}
		if n.Left <= i || n.Right <= n.Left || n.Right >= len(nodes) {
			return nil, fmt.Errorf("node %d: invalid child links %d/%d", i, n.Left, n.Right)
		}
		// leafPath walks Parent links, so they must mirror the child links.
		for _, c := range []int{n.Left, n.Right} {
			if nodes[c].Parent != i {
				return nil, fmt.Errorf("node %d: child %d names parent %d", i, c, nodes[c].Parent)
			}
			linked[c] = true
		}
		if n.Feature < 0 || n.Feature >= dim {
			return nil, fmt.Errorf("node %d: feature %d outside latent dim %d", i, n.Feature, dim)
		}
	}
	if len(t.leaves) == 0 {
		return nil, ErrNoExamples
	}
	return t, nil
}

func (t *Tree) NumLeaves() int {
	return len(t.leaves)
}

// Leaf returns the node index of the leaf numbered k.
func (t *Tree) Leaf(k int) int {
	return t.leaves[k]
}

// Route follows hard splits (x <= threshold goes left) to a leaf node index.
func (t *Tree) Route(x []float64) int {
	i := 0
	for !t.Nodes[i].IsLeaf() {
		n := t.Nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return i
}

// Predict returns the majority class of the leaf each row lands in.
func (t *Tree) Predict(X [][]float64) []int {
	out := make([]int, len(X))
	for i, x := range X {
		out[i] = numeric.ArgMax(t.Nodes[t.Route(x)].ClassCounts)
	}
	return out
}

// Accuracy is the fraction of rows whose predicted class equals the label.
func (t *Tree) Accuracy(X [][]float64, y []int) float64 {
	if len(X) == 0 {
		return 0
	}
	var correct int
	for i, p := range t.Predict(X) {
		if p == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(X))
}

// pathStep is one branch decision on the way to a leaf.
type pathStep struct {
	node  int
	right bool
}

func (t *Tree) leafPath(leafNode int) []pathStep {
	var path []pathStep
	child := leafNode
	for p := t.Nodes[child].Parent; p >= 0; p = t.Nodes[p].Parent {
		path = append(path, pathStep{node: p, right: t.Nodes[p].Right == child})
		child = p
	}
	return path
}
