package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrLeafIndex is returned when an inclusion proof is requested for a leaf
// outside the tree.
var ErrLeafIndex = errors.New("leaf index out of range")

// LeafHash computes the transparency log leaf for an event:
// SHA-256("{event_id}|{timestamp_iso}|{tool}|{arguments_hash}|{decision}").
func LeafHash(ev Event) string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s",
		ev.EventID,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.ToolName,
		ev.ArgumentsHash,
		ev.PolicyDecision,
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// MerkleTree is the per-session transparency tree over event leaves, built
// bottom-up with duplicate-last on odd levels. Levels[0] is the leaf level;
// the last level holds the single root.
type MerkleTree struct {
	Levels [][]string
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R": which side the sibling sits on
	SiblingHash string `json:"sibling_hash"`
}

// InclusionProof proves a leaf's membership in a session tree.
type InclusionProof struct {
	LeafIndex int         `json:"leaf_index"`
	LeafHash  string      `json:"leaf_hash"`
	RootHash  string      `json:"root_hash"`
	Path      []ProofStep `json:"path"`
}

// BuildTree constructs the Merkle tree over the events in journal order.
// An empty event list yields a tree with an empty root.
func BuildTree(events []Event) *MerkleTree {
	if len(events) == 0 {
		return &MerkleTree{}
	}

	leaves := make([]string, len(events))
	for i, ev := range events {
		leaves[i] = LeafHash(ev)
	}

	t := &MerkleTree{Levels: [][]string{leaves}}
	current := leaves
	for len(current) > 1 {
		current = nextLevel(current)
		t.Levels = append(t.Levels, current)
	}
	return t
}

// Root returns the root hash, or "" for an empty tree.
func (t *MerkleTree) Root() string {
	if len(t.Levels) == 0 {
		return ""
	}
	top := t.Levels[len(t.Levels)-1]
	return top[0]
}

// LeafCount returns the number of leaves.
func (t *MerkleTree) LeafCount() int {
	if len(t.Levels) == 0 {
		return 0
	}
	return len(t.Levels[0])
}

// Prove emits the inclusion proof for leaf i: the ordered sibling hashes from
// leaf level to just below the root.
func (t *MerkleTree) Prove(i int) (InclusionProof, error) {
	if len(t.Levels) == 0 || i < 0 || i >= len(t.Levels[0]) {
		return InclusionProof{}, ErrLeafIndex
	}

	proof := InclusionProof{
		LeafIndex: i,
		LeafHash:  t.Levels[0][i],
		RootHash:  t.Root(),
	}

	idx := i
	for _, level := range t.Levels[:len(t.Levels)-1] {
		siblingIdx := idx ^ 1
		var sibling string
		if siblingIdx < len(level) {
			sibling = level[siblingIdx]
		} else {
			// Odd level: the last node is duplicated.
			sibling = level[idx]
		}
		side := "R"
		if siblingIdx < idx {
			side = "L"
		}
		proof.Path = append(proof.Path, ProofStep{Side: side, SiblingHash: sibling})
		idx /= 2
	}
	return proof, nil
}

// VerifyProof reconstructs the root from the leaf and sibling path and checks
// it bit-exactly against the expected root.
func VerifyProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot == "" || proof.RootHash != expectedRoot {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return current == expectedRoot
}

// nextLevel pairs hashes, duplicating the last on odd counts.
func nextLevel(hashes []string) []string {
	padded := hashes
	if len(padded)%2 != 0 {
		padded = append(append([]string(nil), padded...), padded[len(padded)-1])
	}
	out := make([]string, len(padded)/2)
	for i := 0; i < len(padded); i += 2 {
		out[i/2] = nodeHash(padded[i], padded[i+1])
	}
	return out
}

// nodeHash hashes the concatenation of two child hash byte strings.
func nodeHash(left, right string) string {
	lb, _ := hex.DecodeString(left)
	rb, _ := hex.DecodeString(right)
	sum := sha256.Sum256(append(lb, rb...))
	return hex.EncodeToString(sum[:])
}
