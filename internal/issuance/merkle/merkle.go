// Package merkle builds binary Keccak-256 Merkle trees over batch leaves and
// produces and checks inclusion proofs.
//
// Each level is built from the one below by hashing adjacent pairs. When a
// level has an odd number of nodes the last node is paired with itself.
package merkle

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// DigestSize is the byte length of every leaf and interior node.
const DigestSize = 32

var (
	ErrEmptyBatch      = errors.New("merkle: batch has no leaves")
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
)

// Digest is a Keccak-256 hash.
type Digest [DigestSize]byte

// Sum hashes data with Keccak-256.
func Sum(data ...[]byte) Digest {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out Digest
	h.Sum(out[:0])
	return out
}

// hashPair is the interior node rule: H(left || right).
func hashPair(left, right Digest) Digest {
	return Sum(left[:], right[:])
}

// String renders the digest as 0x-prefixed lowercase hex.
func (d Digest) String() string {
	return "0x" + hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest accepts hex with or without the 0x prefix.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != DigestSize*2 {
		return d, fmt.Errorf("merkle: digest must be %d hex chars, got %d", DigestSize*2, len(raw))
	}
	if _, err := hex.Decode(d[:], []byte(raw)); err != nil {
		return d, fmt.Errorf("merkle: invalid digest hex: %w", err)
	}
	return d, nil
}

// CombinedHash is the per-certificate fingerprint binding a leaf to its batch root.
func CombinedHash(leaf, root Digest) Digest {
	return hashPair(leaf, root)
}

// ProofStep is one sibling on the path from a leaf to the root. Left is true
// when the sibling sits to the left of the running hash.
type ProofStep struct {
	Sibling Digest `json:"sibling"`
	Left    bool   `json:"left"`
}

// Proof is the ordered sibling path, leaf level first.
type Proof []ProofStep

// Tree holds every level of a built tree; levels[0] are the leaves and the
// last level has exactly one node.
type Tree struct {
	levels [][]Digest
}

// Build constructs the tree. The leaves slice is copied.
func Build(leaves []Digest) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyBatch
	}

	level := make([]Digest, len(leaves))
	copy(level, leaves)
	levels := [][]Digest{level}

	for len(level) > 1 {
		next := make([]Digest, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(level[i], right))
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the batch root. A single-leaf tree's root is that leaf.
func (t *Tree) Root() Digest {
	return t.levels[len(t.levels)-1][0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.levels[0])
}

// Leaf returns the leaf at index i.
func (t *Tree) Leaf(i int) (Digest, error) {
	if i < 0 || i >= t.Len() {
		return Digest{}, ErrIndexOutOfRange
	}
	return t.levels[0][i], nil
}

// Proof returns the sibling path for leaf i.
func (t *Tree) Proof(i int) (Proof, error) {
	if i < 0 || i >= t.Len() {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, t.Len())
	}

	proof := make(Proof, 0, len(t.levels)-1)
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		var step ProofStep
		if idx%2 == 0 {
			sib := idx + 1
			if sib >= len(level) {
				sib = idx
			}
			step = ProofStep{Sibling: level[sib], Left: false}
		} else {
			step = ProofStep{Sibling: level[idx-1], Left: true}
		}
		proof = append(proof, step)
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from leaf and proof. It does not need the tree.
func Verify(leaf Digest, proof Proof, root Digest) bool {
	running := leaf
	for _, step := range proof {
		if step.Left {
			running = hashPair(step.Sibling, running)
		} else {
			running = hashPair(running, step.Sibling)
		}
	}
	return running == root
}
