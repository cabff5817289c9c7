package merkle

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// SectorSize is the fixed leaf size of the commitment tree. The final
	// sector of a payload is zero-padded up to this size before hashing.
	SectorSize = 256
)

var ErrEmptyPayload = errors.New("empty payload")

// Mode tags how a commitment root was produced. Only ModeFull roots are
// resolvable through the storage gateway; a ModeContentHash root is a plain
// digest of the payload and must never be presented as a storage reference.
type Mode uint8

const (
	ModeFull Mode = iota
	ModeContentHash
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeContentHash:
		return "content-hash"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// SubmissionNode is one perfect subtree of the leaf sequence: its root and
// its height (the subtree covers 1<<Height sectors).
type SubmissionNode struct {
	Root   [32]byte
	Height uint64
}

// Commitment is the submission descriptor for one payload: the tree root,
// the exact byte length, opaque tag bytes and the perfect-subtree
// decomposition covering every sector. Recombining Nodes right-to-left
// reproduces Root; see RootFromNodes.
type Commitment struct {
	Root   [32]byte
	Length uint64
	Tags   []byte
	Nodes  []SubmissionNode
	Mode   Mode
}

// NumSectors returns ceil(length / SectorSize).
func NumSectors(length uint64) uint64 {
	if length == 0 {
		return 0
	}
	return (length + SectorSize - 1) / SectorSize
}

// Commit chunks payload into 256-byte sectors and builds the full
// commitment tree. Deterministic: identical bytes always produce the same
// root.
func Commit(payload []byte) (*Commitment, error) {
	return CommitTagged(payload, nil)
}

// CommitTagged is Commit with caller-supplied tag bytes carried into the
// submission descriptor.
func CommitTagged(payload []byte, tags []byte) (*Commitment, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	leaves := sectorLeaves(payload)
	nodes, err := decompose(leaves)
	if err != nil {
		return nil, fmt.Errorf("tree construction failed: %w", err)
	}

	return &Commitment{
		Root:   RootFromNodes(nodes),
		Length: uint64(len(payload)),
		Tags:   tags,
		Nodes:  nodes,
		Mode:   ModeFull,
	}, nil
}

// ContentHash builds a degraded commitment whose root is the keccak-256 of
// the whole payload. The result is NOT retrievable through the storage
// network; it exists for contexts without node access and is rejected by
// the upload pipeline.
func ContentHash(payload []byte) (*Commitment, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	var root [32]byte
	copy(root[:], crypto.Keccak256(payload))
	return &Commitment{
		Root:   root,
		Length: uint64(len(payload)),
		Mode:   ModeContentHash,
	}, nil
}

// Sectors splits payload into SectorSize chunks, zero-padding the final
// one. The returned slices alias fresh buffers, not the input.
func Sectors(payload []byte) [][]byte {
	n := NumSectors(uint64(len(payload)))
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		sector := make([]byte, SectorSize)
		start := int(i) * SectorSize
		end := start + SectorSize
		if end > len(payload) {
			end = len(payload)
		}
		copy(sector, payload[start:end])
		out = append(out, sector)
	}
	return out
}

// RootFromNodes folds the subtree roots right-to-left with pairwise
// hashing. A commitment is well formed iff this reproduces its Root.
func RootFromNodes(nodes []SubmissionNode) [32]byte {
	if len(nodes) == 0 {
		return [32]byte{}
	}
	root := nodes[len(nodes)-1].Root
	for i := len(nodes) - 2; i >= 0; i-- {
		root = hashPair(nodes[i].Root, root)
	}
	return root
}

// Verify recomputes the root from the descriptor nodes and checks the
// stored length covers them. Content-hash commitments are trivially valid.
func (c *Commitment) Verify() error {
	if c.Mode == ModeContentHash {
		return nil
	}
	if len(c.Nodes) == 0 {
		return errors.New("commitment has no nodes")
	}
	var covered uint64
	for _, n := range c.Nodes {
		covered += uint64(1) << n.Height
	}
	if covered < NumSectors(c.Length) {
		return fmt.Errorf("nodes cover %d sectors, need %d", covered, NumSectors(c.Length))
	}
	if RootFromNodes(c.Nodes) != c.Root {
		return errors.New("node decomposition does not reproduce root")
	}
	return nil
}

func sectorLeaves(payload []byte) [][32]byte {
	sectors := Sectors(payload)
	leaves := make([][32]byte, len(sectors))
	for i, s := range sectors {
		copy(leaves[i][:], crypto.Keccak256(s))
	}
	return leaves
}

// decompose splits the leaf sequence into perfect subtrees, largest first
// (one per set bit of the leaf count), and roots each subtree. Odd leaves
// are carried up as their own height-0 subtree rather than duplicated.
func decompose(leaves [][32]byte) ([]SubmissionNode, error) {
	n := uint64(len(leaves))
	if n == 0 {
		return nil, errors.New("no leaves")
	}

	var nodes []SubmissionNode
	offset := uint64(0)
	for n > 0 {
		height := uint64(bits.Len64(n) - 1)
		size := uint64(1) << height
		root, err := subtreeRoot(leaves[offset : offset+size])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, SubmissionNode{Root: root, Height: height})
		offset += size
		n -= size
	}
	return nodes, nil
}

// subtreeRoot hashes a power-of-two leaf run pairwise up to a single root.
func subtreeRoot(leaves [][32]byte) ([32]byte, error) {
	if len(leaves) == 0 || bits.OnesCount(uint(len(leaves))) != 1 {
		return [32]byte{}, fmt.Errorf("subtree size %d is not a power of two", len(leaves))
	}
	level := make([][32]byte, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := level[:len(level)/2]
		for i := 0; i < len(level); i += 2 {
			next[i/2] = hashPair(level[i], level[i+1])
		}
		level = next
	}
	return level[0], nil
}

func hashPair(left, right [32]byte) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256(left[:], right[:]))
	return out
}
