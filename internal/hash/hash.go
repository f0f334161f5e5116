package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Size is the length of a hex-encoded content address.
const Size = sha256.Size * 2

// Sum returns the content address of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func CalculateString(data string) string {
	return Sum([]byte(data))
}

// Valid reports whether h looks like a content address.
func Valid(h string) bool {
	if len(h) != Size {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// Root returns the Merkle root over a set of hashes. The result does not
// depend on the order of hashes; an empty set has an empty root.
func Root(hashes []string) string {
	mt := NewMerkleTree()
	for _, h := range hashes {
		mt.AddLeafHash(h)
	}
	return mt.GetRoot()
}

type MerkleTree struct {
	leaves []string
}

func NewMerkleTree() *MerkleTree {
	return &MerkleTree{
		leaves: make([]string, 0),
	}
}

func (mt *MerkleTree) AddLeafHash(hash string) {
	mt.leaves = append(mt.leaves, hash)
}

func (mt *MerkleTree) GetRoot() string {
	if len(mt.leaves) == 0 {
		return ""
	}

	sortedLeaves := make([]string, len(mt.leaves))
	copy(sortedLeaves, mt.leaves)
	sort.Strings(sortedLeaves)

	return mt.calculateRoot(sortedLeaves)
}

func (mt *MerkleTree) calculateRoot(hashes []string) string {
	for len(hashes) > 1 {
		next := make([]string, 0, (len(hashes)+1)/2)
		for i := 0; i < len(hashes); i += 2 {
			if i+1 < len(hashes) {
				next = append(next, CalculateString(hashes[i]+hashes[i+1]))
			} else {
				next = append(next, CalculateString(hashes[i]+hashes[i]))
			}
		}
		hashes = next
	}
	return hashes[0]
}
