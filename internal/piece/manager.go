package piece

import (
	"crypto/sha1"
	"errors"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
)

const MaxBlockLength = 16 * 1024 // 16KB

type BlockInfo struct {
	PieceIdx uint32
	Begin    uint32
	Length   uint32
}

type Status uint8

const (
	StatusWant Status = iota
	StatusInflight
	StatusDone
)

type blockOwner struct {
	peer        netip.AddrPort
	requestedAt time.Time
}

type block struct {
	requests uint32
	status   Status
	owners   []*blockOwner
}

type piece struct {
	index         uint32
	status        Status
	length        uint32
	blockCount    uint32
	lastBlockSize uint32
	doneBlocks    uint32
	verified      bool
	blocks        []*block
	hash          [sha1.Size]byte

	// contributors lists every peer that completed at least one block of
	// this piece since its last verification attempt. Unlike a block's
	// owners (cleared the moment the block is marked done), this survives
	// until the piece is hash-checked, so a corrupt piece can still be
	// blamed on whoever supplied its data.
	contributors []netip.AddrPort
}

type Manager struct {
	logger          *slog.Logger
	mut             sync.RWMutex
	pieces          []*piece
	pieceCount      uint32
	nextPiece       uint32
	nextBlock       uint32
	remainingBlocks uint32
	lastPieceLength uint32
	blockCount      uint32
	bitfield        bitfield.Bitfield
	availability    *availabilityBucket
}

// NewManager builds piece/block bookkeeping for a torrent with the given
// per-piece SHA-1 hashes, nominal piece length, and total content size.
// maxPeers bounds the availability tracker used for rarest-first selection —
// it should match the swarm's configured peer cap.
func NewManager(
	pieceHashes [][sha1.Size]byte,
	pieceLen uint32,
	size uint64,
	maxPeers int,
	logger *slog.Logger,
) (*Manager, error) {
	lastPieceLen, ok := LastPieceLength(size, pieceLen)
	if !ok {
		return nil, errors.New("out of bounds")
	}

	if logger == nil {
		logger = slog.Default()
	}

	n := len(pieceHashes)
	pieces := make([]*piece, n)
	totalBlocks := uint32(0)

	for i := 0; i < n; i++ {
		currPieceLen, _ := PieceLengthAt(uint32(i), size, pieceLen)
		blockCount, _ := BlocksInPiece(currPieceLen)
		blocks := make([]*block, blockCount)
		totalBlocks += blockCount

		for j := 0; j < int(blockCount); j++ {
			blocks[j] = &block{
				status: StatusWant,
				owners: make([]*blockOwner, 0, 2),
			}
		}

		lastBlockLen, _ := LastBlockInPiece(currPieceLen)

		pieces[i] = &piece{
			index:         uint32(i),
			doneBlocks:    0,
			status:        StatusWant,
			length:        currPieceLen,
			verified:      false,
			blocks:        blocks,
			blockCount:    blockCount,
			hash:          pieceHashes[i],
			lastBlockSize: lastBlockLen,
		}
	}

	return &Manager{
		logger:          logger,
		pieces:          pieces,
		nextPiece:       0,
		nextBlock:       0,
		pieceCount:      uint32(n),
		remainingBlocks: totalBlocks,
		lastPieceLength: lastPieceLen,
		bitfield:        bitfield.New(n),
		availability:    newAvailabilityBucket(n, maxPeers),
	}, nil
}

// Bitfield returns a snapshot of the locally-verified pieces.
func (m *Manager) Bitfield() bitfield.Bitfield {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.bitfield.Clone()
}

// UpdatePeerAvailability adjusts rarity counters for every piece peerBF
// claims to have that we don't yet hold verified, by delta (+1 when a peer
// connects or announces a "have", -1 when it disconnects).
func (m *Manager) UpdatePeerAvailability(peerBF bitfield.Bitfield, delta int) {
	m.mut.RLock()
	weHave := m.bitfield
	n := m.pieceCount
	m.mut.RUnlock()

	for i := uint32(0); i < n; i++ {
		if peerBF.Has(int(i)) && !weHave.Has(int(i)) {
			m.availability.Move(int(i), delta)
		}
	}
}

// RarestPieces returns up to limit piece indices that peerBF has and we
// still want, ordered from rarest to most common across the swarm. The
// result is suitable as input to AssignBlocksFromList.
func (m *Manager) RarestPieces(peerBF bitfield.Bitfield, limit int) []uint32 {
	m.mut.RLock()
	pieces := m.pieces
	n := m.pieceCount
	m.mut.RUnlock()

	needed := make(map[uint32]bool, n)
	for i := uint32(0); i < n; i++ {
		if !pieces[i].verified && peerBF.Has(int(i)) {
			needed[i] = true
		}
	}

	var out []uint32
	for a := 0; a <= m.availability.maxAvail && len(out) < limit; a++ {
		for _, idx := range m.availability.Bucket(a) {
			if needed[uint32(idx)] {
				out = append(out, uint32(idx))
				if len(out) >= limit {
					break
				}
			}
		}
	}

	return out
}

// RandomPieces returns up to limit piece indices that peerBF has and we
// still want, in uniformly random order. Used in place of RarestPieces while
// we hold too few verified pieces for rarity counts to be meaningful yet.
func (m *Manager) RandomPieces(peerBF bitfield.Bitfield, limit int) []uint32 {
	m.mut.RLock()
	pieces := m.pieces
	n := m.pieceCount
	m.mut.RUnlock()

	var candidates []uint32
	for i := uint32(0); i < n; i++ {
		if !pieces[i].verified && peerBF.Has(int(i)) {
			candidates = append(candidates, i)
		}
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	return candidates
}

func (m *Manager) PieceCount() uint32 {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieceCount
}

func (m *Manager) ResetSequentialState() {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.nextPiece = 0
	m.nextBlock = 0

	for m.nextPiece < m.pieceCount && m.pieces[m.nextPiece].verified {
		m.nextPiece++
	}
}

func (m *Manager) PieceLength(pieceIdx uint32) uint32 {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieces[pieceIdx].length
}

func (m *Manager) PieceHash(pieceIdx uint32) [sha1.Size]byte {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return m.pieces[pieceIdx].hash
}

func (m *Manager) PieceComplete(pieceIdx uint32) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	piece := m.pieces[pieceIdx]
	return piece.doneBlocks == piece.blockCount
}

func (m *Manager) PieceStatus() []Status {
	m.mut.RLock()
	defer m.mut.RUnlock()

	states := make([]Status, m.pieceCount)
	for i, piece := range m.pieces {
		states[i] = piece.status
	}

	return states
}

func (m *Manager) MarkBlockComplete(peer netip.AddrPort, pieceIdx, begin uint32) []netip.AddrPort {
	m.mut.Lock()
	defer m.mut.Unlock()

	piece := m.pieces[pieceIdx]
	blockIdx, _ := BlockIndexForBegin(begin, piece.length)
	block := piece.blocks[blockIdx]
	if block.status == StatusDone {
		return nil
	}
	block.status = StatusDone
	piece.doneBlocks++
	known := false
	for _, c := range piece.contributors {
		if c == peer {
			known = true
			break
		}
	}
	if !known {
		piece.contributors = append(piece.contributors, peer)
	}

	var redundantPeers []netip.AddrPort
	for i := range block.owners {
		if block.owners[i].peer != peer {
			redundantPeers = append(redundantPeers, block.owners[i].peer)
		}
	}
	block.owners = nil

	return redundantPeers
}

// MarkPieceVerified records the hash-check outcome for pieceIdx and returns
// the set of peers that contributed a block to it since the last attempt —
// the callers to blame if ok is false. The contributor list is reset either
// way, so a retried piece starts attributing corruption fresh.
func (m *Manager) MarkPieceVerified(pieceIdx uint32, ok bool) []netip.AddrPort {
	m.logger.Debug("mark piece verified called", "piece", pieceIdx)

	m.mut.Lock()
	defer m.mut.Unlock()

	piece := m.pieces[pieceIdx]
	if piece.verified {
		return nil
	}

	contributors := piece.contributors
	piece.contributors = nil

	if ok {
		piece.verified = true
		piece.status = StatusDone
		m.bitfield.Set(int(pieceIdx))

		if m.nextPiece == pieceIdx {
			m.nextPiece++
			m.nextBlock = 0
		}

		return nil
	}

	for b := 0; b < int(piece.blockCount); b++ {
		if piece.blocks[b].status == StatusDone {
			m.remainingBlocks++
		}

		piece.blocks[b].status = StatusWant
		piece.blocks[b].owners = nil
	}

	piece.doneBlocks = 0
	piece.status = StatusWant

	return contributors
}

func (m *Manager) AssignBlock(peer netip.AddrPort, pieceIdx, blockIdx uint32) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	_, ok := m.safeAssignBlock(peer, pieceIdx, blockIdx)
	return ok
}

func (m *Manager) UnassignBlock(peer netip.AddrPort, pieceIdx, begin uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if pieceIdx >= m.pieceCount {
		return
	}

	piece := m.pieces[pieceIdx]
	blockIdx, ok := BlockIndexForBegin(begin, piece.length)
	if !ok {
		return
	}
	block := piece.blocks[blockIdx]
	n := len(block.owners)

	for i := 0; i < n; i++ {
		if block.owners[i].peer == peer {
			block.owners[i] = block.owners[n-1]
			block.owners = block.owners[:n-1]

			m.remainingBlocks++
			break
		}
	}

	if len(block.owners) == 0 && block.status != StatusDone {
		block.status = StatusWant
	}
}

func (m *Manager) AssignInProgressBlocks(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for i := uint32(0); i < m.pieceCount && capacity > 0; i++ {
		piece := m.pieces[i]
		if piece.verified || piece.doneBlocks == 0 || !peerBF.Has(int(piece.index)) {
			continue
		}

		for j := uint32(0); j < piece.blockCount && capacity > 0; j++ {
			if piece.blocks[j].status != StatusWant {
				continue
			}

			if block, ok := m.safeAssignBlock(peer, i, j); ok {
				assigned = append(assigned, block)
				capacity--
			}

			break
		}
	}

	return assigned, capacity
}

func (m *Manager) AssignSequentialBlocks(
	peer netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for m.nextPiece < m.pieceCount && capacity > 0 {
		// Skip verified pieces
		for m.nextPiece < m.pieceCount && m.pieces[m.nextPiece].verified {
			m.nextPiece++
			m.nextBlock = 0
		}

		if m.nextPiece >= m.pieceCount {
			break
		}

		if !peerBF.Has(int(m.nextPiece)) {
			m.nextPiece++
			m.nextBlock = 0
			continue
		}

		piece := m.pieces[m.nextPiece]
		for bi := m.nextBlock; bi < piece.blockCount && capacity > 0; bi++ {
			block, ok := m.safeAssignBlock(peer, piece.index, bi)
			if ok {
				assigned = append(assigned, block)
				capacity--
				m.nextBlock = bi + 1
			}
		}

		if m.nextBlock >= piece.blockCount {
			m.nextPiece++
			m.nextBlock = 0
		}

		break
	}

	return assigned, capacity
}

func (m *Manager) AssignBlocksFromList(
	peer netip.AddrPort,
	pieceIndices []uint32,
	capacity uint32,
) ([]*BlockInfo, uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for _, pieceIdx := range pieceIndices {
		if capacity < 1 {
			break
		}

		if pieceIdx >= m.pieceCount || m.pieces[pieceIdx].verified {
			continue
		}

		piece := m.pieces[pieceIdx]

		for blockIdx := uint32(0); blockIdx < piece.blockCount; blockIdx++ {
			block, ok := m.safeAssignBlock(peer, piece.index, blockIdx)
			if ok {
				assigned = append(assigned, block)
				capacity--
				break
			}
		}
	}

	return assigned, capacity
}

// safeAssignBlock assigns an unowned block to peer. A block already owned
// by someone else is left untouched — there is no endgame-mode duplicate
// requesting, so each block is in flight to at most one peer at a time.
func (m *Manager) safeAssignBlock(
	peer netip.AddrPort,
	pieceIdx, blockIdx uint32,
) (*BlockInfo, bool) {
	piece := m.pieces[pieceIdx]
	block := piece.blocks[blockIdx]

	begin, length, ok := BlockBounds(piece.length, blockIdx)
	if !ok {
		return nil, false
	}

	if len(block.owners) > 0 {
		return nil, false
	}

	piece.status = StatusInflight
	block.status = StatusInflight
	block.owners = append(block.owners, &blockOwner{
		peer:        peer,
		requestedAt: time.Now(),
	})
	m.remainingBlocks--

	return &BlockInfo{
		PieceIdx: pieceIdx,
		Begin:    begin,
		Length:   length,
	}, true
}
