// Package scheduler owns piece/block bookkeeping across the swarm. It runs a
// single event-loop goroutine that serializes every peer notification (have,
// bitfield, choke, piece, request, cancel, disconnect) so that internal/piece's
// Manager never needs its own cross-peer locking beyond what it already does
// for concurrent reads from stats callers.
package scheduler

import (
	"context"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/heap"
	"github.com/prxssh/rabbit/internal/piece"
	"github.com/prxssh/rabbit/internal/storage"
	"golang.org/x/sync/errgroup"
)

type DownloadStrategy uint8

const (
	DownloadStrategyRarestFirst DownloadStrategy = iota
	DownloadStrategySequential
)

type Config struct {
	DownloadStrategy           DownloadStrategy
	MaxInflightRequestsPerPeer uint32
	RequestTimeout             time.Duration
	RarestFirstWindow          int
	EventQueueSize             int
}

// MaxPipeline is the hard cap on requests outstanding to a single peer at
// once, matching the wire protocol's conventional pipeline depth.
const MaxPipeline = 5

func WithDefaultConfig() *Config {
	return &Config{
		DownloadStrategy:           DownloadStrategyRarestFirst,
		MaxInflightRequestsPerPeer: MaxPipeline,
		RequestTimeout:             30 * time.Second,
		RarestFirstWindow:          16,
		EventQueueSize:             256,
	}
}

// PeerHandle is the narrow surface of *peer.Peer the scheduler needs to push
// wire messages. It is satisfied structurally so that this package never
// imports internal/peer.
type PeerHandle interface {
	SendBitfield(bf bitfield.Bitfield)
	SendHave(piece uint32)
	SendRequest(piece, begin, length int)
	SendPiece(piece, begin uint32, block []byte)
	SendCancel(piece, begin, length int)
	SendInterested()
	SendNotInterested()
	Choke()
	Unchoke()
	Close()
}

type Event interface{ event() }

type registerPeerEvent struct {
	addr   netip.AddrPort
	handle PeerHandle
}
type unregisterPeerEvent struct{ addr netip.AddrPort }
type handshakeEvent struct{ addr netip.AddrPort }
type bitfieldEvent struct {
	addr netip.AddrPort
	bf   bitfield.Bitfield
}
type haveEvent struct {
	addr  netip.AddrPort
	piece uint32
}
type chokeEvent struct{ addr netip.AddrPort }
type unchokeEvent struct{ addr netip.AddrPort }
type pieceEvent struct {
	addr     netip.AddrPort
	pieceIdx uint32
	begin    uint32
	block    []byte
}
type requestEvent struct {
	addr                    netip.AddrPort
	pieceIdx, begin, length uint32
}
type cancelEvent struct {
	addr                    netip.AddrPort
	pieceIdx, begin, length uint32
}
type goneEvent struct{ addr netip.AddrPort }
type pieceVerifiedEvent struct {
	pieceIdx uint32
	ok       bool
}
type checkTimeoutsEvent struct{}

func (registerPeerEvent) event()   {}
func (unregisterPeerEvent) event() {}
func (handshakeEvent) event()      {}
func (bitfieldEvent) event()       {}
func (haveEvent) event()           {}
func (chokeEvent) event()          {}
func (unchokeEvent) event()        {}
func (pieceEvent) event()          {}
func (requestEvent) event()        {}
func (cancelEvent) event()         {}
func (goneEvent) event()           {}
func (pieceVerifiedEvent) event()  {}
func (checkTimeoutsEvent) event()  {}

type pendingRequest struct {
	addr     netip.AddrPort
	pieceIdx uint32
	begin    uint32
	deadline time.Time
}

type peerState struct {
	addr        netip.AddrPort
	handle      PeerHandle
	bitfield    bitfield.Bitfield
	peerChoking bool
	inflight    uint32
	assignments map[uint64]*heap.Item[*pendingRequest]

	corruptionStrikes int
	timeoutStrikes    int
}

// Strike thresholds: a peer is disconnected once it crosses either count.
// Corruption strikes are more expensive (a wasted hash verification and a
// re-download) so the threshold is tighter than for bare timeouts, which can
// be caused by ordinary congestion.
const (
	maxCorruptionStrikes = 2
	maxTimeoutStrikes    = 3
)

func blockKey(pieceIdx, begin uint32) uint64 {
	return uint64(pieceIdx)<<32 | uint64(begin)
}

// Scheduler assigns blocks to peers and reassembles completed pieces via
// storage.Store. All mutable state lives behind the single goroutine started
// by Run; every other method communicates with it over the events channel.
type Scheduler struct {
	cfg     atomic.Pointer[Config]
	log     *slog.Logger
	manager *piece.Manager
	store   *storage.Store

	peers    map[netip.AddrPort]*peerState
	timeouts *heap.PriorityQueue[*pendingRequest]

	events chan Event
	done   chan struct{}
}

func NewScheduler(manager *piece.Manager, store *storage.Store, cfg *Config, log *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Scheduler{
		log:     log.With("component", "scheduler"),
		manager: manager,
		store:   store,
		peers:   make(map[netip.AddrPort]*peerState),
		timeouts: heap.NewPriorityQueue(func(a, b *pendingRequest) bool {
			return a.deadline.Before(b.deadline)
		}),
		events: make(chan Event, cfg.EventQueueSize),
		done:   make(chan struct{}),
	}
	s.cfg.Store(cfg)

	return s
}

// UpdateConfig swaps the scheduler's tunables atomically. It takes effect on
// the next event dispatched or the next timeout sweep.
func (s *Scheduler) UpdateConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	s.cfg.Store(cfg)
}

func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.eventLoop(gctx) })
	g.Go(func() error { return s.pieceResultLoop(gctx) })
	g.Go(func() error { return s.requestTimeoutLoop(gctx) })

	return g.Wait()
}

// RegisterPeer tells the scheduler a peer has connected and is available for
// work assignment. handle is used to push wire messages directly to it.
func (s *Scheduler) RegisterPeer(addr netip.AddrPort, handle PeerHandle) {
	s.send(registerPeerEvent{addr: addr, handle: handle})
}

func (s *Scheduler) UnregisterPeer(addr netip.AddrPort) {
	s.send(unregisterPeerEvent{addr: addr})
}

func (s *Scheduler) NotifyHandshake(addr netip.AddrPort) { s.send(handshakeEvent{addr: addr}) }

func (s *Scheduler) NotifyBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	s.send(bitfieldEvent{addr: addr, bf: bf})
}

func (s *Scheduler) NotifyHave(addr netip.AddrPort, pieceIdx int) {
	s.send(haveEvent{addr: addr, piece: uint32(pieceIdx)})
}

func (s *Scheduler) NotifyChoke(addr netip.AddrPort)   { s.send(chokeEvent{addr: addr}) }
func (s *Scheduler) NotifyUnchoke(addr netip.AddrPort) { s.send(unchokeEvent{addr: addr}) }

func (s *Scheduler) NotifyPiece(addr netip.AddrPort, pieceIdx, begin int, block []byte) {
	s.send(pieceEvent{addr: addr, pieceIdx: uint32(pieceIdx), begin: uint32(begin), block: block})
}

func (s *Scheduler) NotifyRequest(addr netip.AddrPort, pieceIdx, begin, length int) {
	s.send(requestEvent{
		addr: addr, pieceIdx: uint32(pieceIdx), begin: uint32(begin), length: uint32(length),
	})
}

func (s *Scheduler) NotifyCancel(addr netip.AddrPort, pieceIdx, begin, length int) {
	s.send(cancelEvent{
		addr: addr, pieceIdx: uint32(pieceIdx), begin: uint32(begin), length: uint32(length),
	})
}

func (s *Scheduler) NotifyGone(addr netip.AddrPort) { s.send(goneEvent{addr: addr}) }

// PieceCount returns the torrent's total piece count, used by new peer
// connections to size their local bitfield before the first Bitfield/Have
// notification arrives.
func (s *Scheduler) PieceCount() uint32 { return s.manager.PieceCount() }

func (s *Scheduler) send(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Scheduler) eventLoop(ctx context.Context) error {
	l := s.log.With("component", "event loop")
	l.Debug("started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Warn("context done; exiting!", "error", ctx.Err())
			return nil

		case ev := <-s.events:
			s.dispatch(ctx, ev)

		case <-ticker.C:
			for _, ps := range s.peers {
				s.fillPeerRequests(ps)
			}
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case registerPeerEvent:
		s.handleRegisterPeer(e)
	case unregisterPeerEvent:
		s.handleGone(e.addr)
	case handshakeEvent:
		s.handleHandshake(e)
	case bitfieldEvent:
		s.handleBitfield(e)
	case haveEvent:
		s.handleHave(e)
	case chokeEvent:
		s.handleChoke(e)
	case unchokeEvent:
		s.handleUnchoke(e)
	case pieceEvent:
		s.handlePiece(ctx, e)
	case requestEvent:
		s.handleRequest(e)
	case cancelEvent:
		s.handleCancel(e)
	case goneEvent:
		s.handleGone(e.addr)
	case pieceVerifiedEvent:
		s.handlePieceVerified(e)
	case checkTimeoutsEvent:
		s.handleCheckTimeouts()
	}
}

func (s *Scheduler) handleRegisterPeer(e registerPeerEvent) {
	s.peers[e.addr] = &peerState{
		addr:        e.addr,
		handle:      e.handle,
		bitfield:    bitfield.New(int(s.manager.PieceCount())),
		peerChoking: true,
		assignments: make(map[uint64]*heap.Item[*pendingRequest]),
	}
}

func (s *Scheduler) handleHandshake(e handshakeEvent) {
	ps, ok := s.peers[e.addr]
	if !ok {
		return
	}

	ps.handle.SendBitfield(s.manager.Bitfield())
}

func (s *Scheduler) handleBitfield(e bitfieldEvent) {
	ps, ok := s.peers[e.addr]
	if !ok {
		return
	}

	ps.bitfield = e.bf.Clone()
	s.manager.UpdatePeerAvailability(ps.bitfield, 1)

	if s.peerHasWantedPiece(ps.bitfield) {
		ps.handle.SendInterested()
	}

	s.fillPeerRequests(ps)
}

func (s *Scheduler) handleHave(e haveEvent) {
	ps, ok := s.peers[e.addr]
	if !ok {
		return
	}

	single := bitfield.New(ps.bitfield.Len())
	single.Set(int(e.piece))

	ps.bitfield.Set(int(e.piece))
	s.manager.UpdatePeerAvailability(single, 1)

	if s.peerHasWantedPiece(single) {
		ps.handle.SendInterested()
	}

	s.fillPeerRequests(ps)
}

func (s *Scheduler) handleChoke(e chokeEvent) {
	if ps, ok := s.peers[e.addr]; ok {
		ps.peerChoking = true
	}
}

func (s *Scheduler) handleUnchoke(e unchokeEvent) {
	ps, ok := s.peers[e.addr]
	if !ok {
		return
	}

	ps.peerChoking = false
	s.fillPeerRequests(ps)
}

func (s *Scheduler) handlePiece(ctx context.Context, e pieceEvent) {
	ps, ok := s.peers[e.addr]
	if !ok {
		return
	}

	key := blockKey(e.pieceIdx, e.begin)
	if item, assigned := ps.assignments[key]; assigned {
		s.timeouts.Remove(item)
		delete(ps.assignments, key)
		ps.inflight--
	}

	s.manager.MarkBlockComplete(e.addr, e.pieceIdx, e.begin)

	write := &storage.BlockWrite{
		PieceIdx: int(e.pieceIdx),
		Begin:    int(e.begin),
		PieceLen: int(s.manager.PieceLength(e.pieceIdx)),
		Data:     e.block,
	}

	select {
	case s.store.PieceQueue <- write:
	case <-ctx.Done():
		return
	}

	s.fillPeerRequests(ps)
}

func (s *Scheduler) handleRequest(e requestEvent) {
	ps, ok := s.peers[e.addr]
	if !ok {
		return
	}

	if e.pieceIdx >= s.manager.PieceCount() || !s.manager.Bitfield().Has(int(e.pieceIdx)) {
		s.log.Warn("request for piece we don't have; protocol violation",
			"peer", e.addr, "piece", e.pieceIdx)
		return
	}

	pieceLen := s.manager.PieceLength(e.pieceIdx)
	if e.length == 0 || e.length > piece.MaxBlockLength ||
		uint64(e.begin)+uint64(e.length) > uint64(pieceLen) {
		s.log.Warn("out-of-range request; protocol violation",
			"peer", e.addr, "piece", e.pieceIdx, "begin", e.begin, "length", e.length,
			"piece_len", pieceLen)
		return
	}

	buf := make([]byte, e.length)
	if err := s.store.ReadBlock(int(e.pieceIdx), int(e.begin), buf); err != nil {
		s.log.Warn("failed to serve piece request",
			"peer", e.addr, "piece", e.pieceIdx, "error", err.Error())
		return
	}

	ps.handle.SendPiece(e.pieceIdx, e.begin, buf)
}

func (s *Scheduler) handleCancel(e cancelEvent) {
	// Requests are served synchronously in handleRequest, so by the time a
	// Cancel arrives the block has usually already been queued for send.
	// Nothing to rescind; logged for visibility only.
	s.log.Debug("cancel received", "peer", e.addr, "piece", e.pieceIdx, "begin", e.begin)
}

func (s *Scheduler) handleGone(addr netip.AddrPort) {
	ps, ok := s.peers[addr]
	if !ok {
		return
	}

	for key, item := range ps.assignments {
		s.timeouts.Remove(item)
		req := item.Value
		s.manager.UnassignBlock(addr, req.pieceIdx, req.begin)
		delete(ps.assignments, key)
	}

	s.manager.UpdatePeerAvailability(ps.bitfield, -1)
	delete(s.peers, addr)
}

func (s *Scheduler) handlePieceVerified(e pieceVerifiedEvent) {
	contributors := s.manager.MarkPieceVerified(e.pieceIdx, e.ok)

	if !e.ok {
		for _, addr := range contributors {
			if ps, ok := s.peers[addr]; ok {
				s.strikeCorruption(ps)
			}
		}
		return
	}

	for _, ps := range s.peers {
		ps.handle.SendHave(e.pieceIdx)
	}
}

// strikeCorruption blames a peer that contributed a block to a piece that
// failed hash verification. A peer crossing maxCorruptionStrikes is
// disconnected for the rest of the session.
func (s *Scheduler) strikeCorruption(ps *peerState) {
	ps.corruptionStrikes++
	s.log.Warn("peer blamed for corrupt piece",
		"peer", ps.addr, "strikes", ps.corruptionStrikes)

	if ps.corruptionStrikes >= maxCorruptionStrikes {
		s.disconnectPeer(ps, "too many corruption strikes")
	}
}

// strikeTimeout accounts a block-request timeout against a peer. A peer
// crossing maxTimeoutStrikes is disconnected for the rest of the session.
// Returns true if the peer was disconnected.
func (s *Scheduler) strikeTimeout(ps *peerState) bool {
	ps.timeoutStrikes++
	s.log.Debug("peer struck for request timeout",
		"peer", ps.addr, "strikes", ps.timeoutStrikes)

	if ps.timeoutStrikes >= maxTimeoutStrikes {
		s.disconnectPeer(ps, "too many request timeouts")
		return true
	}
	return false
}

// disconnectPeer closes the peer's connection. Bookkeeping (unassigning
// blocks, removing it from s.peers) happens when the resulting disconnect
// notification arrives as a goneEvent, same as any other peer departure.
func (s *Scheduler) disconnectPeer(ps *peerState, reason string) {
	s.log.Warn("disconnecting peer", "peer", ps.addr, "reason", reason)
	ps.handle.Close()
}

func (s *Scheduler) peerHasWantedPiece(peerBF bitfield.Bitfield) bool {
	weHave := s.manager.Bitfield()

	for i := 0; i < peerBF.Len(); i++ {
		if peerBF.Has(i) && !weHave.Has(i) {
			return true
		}
	}

	return false
}

func (s *Scheduler) fillPeerRequests(ps *peerState) {
	if ps.peerChoking {
		return
	}

	cfg := s.cfg.Load()

	if ps.inflight >= cfg.MaxInflightRequestsPerPeer {
		return
	}
	capacity := cfg.MaxInflightRequestsPerPeer - ps.inflight

	var (
		assigned []*piece.BlockInfo
		left     uint32
	)

	switch {
	case cfg.DownloadStrategy == DownloadStrategySequential:
		assigned, left = s.manager.AssignSequentialBlocks(ps.addr, ps.bitfield, capacity)

	case s.manager.Bitfield().Count() < 4:
		// Too few verified pieces to have a meaningful rarity picture yet;
		// pick uniformly at random so early connections don't all converge
		// on the same handful of "rarest" pieces.
		random := s.manager.RandomPieces(ps.bitfield, cfg.RarestFirstWindow)
		assigned, left = s.manager.AssignBlocksFromList(ps.addr, random, capacity)

	default:
		rarest := s.manager.RarestPieces(ps.bitfield, cfg.RarestFirstWindow)
		assigned, left = s.manager.AssignBlocksFromList(ps.addr, rarest, capacity)
	}
	_ = left

	for _, b := range assigned {
		ps.handle.SendRequest(int(b.PieceIdx), int(b.Begin), int(b.Length))

		req := &pendingRequest{
			addr:     ps.addr,
			pieceIdx: b.PieceIdx,
			begin:    b.Begin,
			deadline: time.Now().Add(cfg.RequestTimeout),
		}
		item := s.timeouts.Enqueue(req)
		ps.assignments[blockKey(b.PieceIdx, b.Begin)] = item
		ps.inflight++
	}
}

// requestTimeoutLoop only ticks and wakes the event loop; it never touches
// s.peers or s.timeouts directly; those are single-owner state that
// handleCheckTimeouts mutates from the event-loop goroutine.
func (s *Scheduler) requestTimeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.send(checkTimeoutsEvent{})
		}
	}
}

func (s *Scheduler) handleCheckTimeouts() {
	now := time.Now()

	for {
		req, ok := s.timeouts.Peek()
		if !ok || req.deadline.After(now) {
			break
		}

		if _, ok := s.timeouts.Dequeue(); !ok {
			break
		}

		ps, ok := s.peers[req.addr]
		if !ok {
			continue
		}

		key := blockKey(req.pieceIdx, req.begin)
		if _, assigned := ps.assignments[key]; !assigned {
			continue
		}
		delete(ps.assignments, key)
		ps.inflight--

		s.manager.UnassignBlock(req.addr, req.pieceIdx, req.begin)
		if s.strikeTimeout(ps) {
			continue
		}
		s.fillPeerRequests(ps)
	}
}

func (s *Scheduler) pieceResultLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case res, ok := <-s.store.PieceResultQueue:
			if !ok {
				return nil
			}

			s.send(pieceVerifiedEvent{pieceIdx: uint32(res.Piece), ok: res.Success})
		}
	}
}
