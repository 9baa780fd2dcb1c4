// Package merkle builds domain-separated binary Merkle trees over string
// leaves and verifies inclusion proofs against their roots.
//
// Leaves and internal nodes use distinct hash prefixes so that a leaf can
// never be passed off as an internal node. A level with an odd number of
// nodes pairs its trailing node with itself rather than dropping it.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	LeafPrefix = "nexus.merkle.leaf.v1:"
	NodePrefix = "nexus.merkle.node.v1:"
)

var (
	// ErrEmptyTree is returned when building a tree with no leaves.
	ErrEmptyTree = errors.New("merkle: no leaves")
	// ErrIndexOutOfRange is returned for a proof request past the last leaf.
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
)

// LeafHash returns the domain-separated hash of a raw leaf value.
func LeafHash(raw string) string {
	return sum(LeafPrefix + raw)
}

// NodeHash returns the hash of an internal node from its two children.
func NodeHash(left, right string) string {
	return sum(NodePrefix + left + ":" + right)
}

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// Tree holds every level of a built tree, leaves first.
type Tree struct {
	levels [][]string
}

// Proof is an inclusion proof for a single leaf.
type Proof struct {
	LeafIndex int      `json:"leafIndex"`
	LeafCount int      `json:"leafCount"`
	Siblings  []string `json:"siblings"`
}

// Build hashes leaves and folds them into a tree.
func Build(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	level := make([]string, len(leaves))
	for i, raw := range leaves {
		level[i] = LeafHash(raw)
	}
	t := &Tree{levels: [][]string{level}}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, NodeHash(level[i], right))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// Root returns the root hash.
func (t *Tree) Root() string {
	return t.levels[len(t.levels)-1][0]
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Proof returns the sibling path for the leaf at index.
func (t *Tree) Proof(index int) (*Proof, error) {
	if index < 0 || index >= t.LeafCount() {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, t.LeafCount())
	}
	p := &Proof{LeafIndex: index, LeafCount: t.LeafCount(), Siblings: []string{}}
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sib := idx ^ 1
		if sib >= len(level) {
			sib = idx
		}
		p.Siblings = append(p.Siblings, level[sib])
		idx /= 2
	}
	return p, nil
}

// depth returns the number of levels above the leaves for count leaves.
func depth(count int) int {
	d := 0
	for count > 1 {
		count = (count + 1) / 2
		d++
	}
	return d
}

// VerifyProof reports whether raw sits at index in a tree of count leaves
// with the given root. The sibling count must match the tree depth, and a
// self-paired trailing node must carry its own hash as sibling.
func VerifyProof(raw string, index, count int, siblings []string, root string) bool {
	if count <= 0 || index < 0 || index >= count {
		return false
	}
	if len(siblings) != depth(count) {
		return false
	}
	cur := LeafHash(raw)
	idx, width := index, count
	for _, sib := range siblings {
		switch {
		case idx%2 == 1:
			cur = NodeHash(sib, cur)
		case idx == width-1:
			if sib != cur {
				return false
			}
			cur = NodeHash(cur, cur)
		default:
			cur = NodeHash(cur, sib)
		}
		idx /= 2
		width = (width + 1) / 2
	}
	return cur == root
}
