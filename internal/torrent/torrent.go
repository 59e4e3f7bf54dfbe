package torrent

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/peer"
	"github.com/prxssh/rabbit/internal/piece"
	"github.com/prxssh/rabbit/internal/scheduler"
	"github.com/prxssh/rabbit/internal/storage"
	"github.com/prxssh/rabbit/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Torrent wires together the per-torrent subsystems: storage, piece
// bookkeeping, the scheduler that drives block assignment, the peer swarm,
// and the tracker that feeds it addresses. Nothing outside Session/Client
// reaches into these directly; GetStats and the Get/UpdateConfig pair are
// the only surfaces meant for callers.
type Torrent struct {
	Metainfo *meta.Metainfo `json:"metainfo"`

	clientID     [sha1.Size]byte
	cfg          *Config
	logger       *slog.Logger
	tracker      *tracker.Tracker
	peerManager  *peer.Swarm
	storage      *storage.Store
	scheduler    *scheduler.Scheduler
	pieceManager *piece.Manager
	cancel       context.CancelFunc

	// announcedStarted/announcedCompleted track whether this session has
	// sent its one-time "started"/"completed" announce events; both are
	// only ever touched from the tracker's single announce-loop goroutine.
	announcedStarted   bool
	announcedCompleted bool
}

func NewTorrent(clientID [sha1.Size]byte, data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	metainfo, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("torrent", metainfo.Info.Name)

	store, err := storage.NewStorage(metainfo, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	pieceManager, err := piece.NewManager(
		metainfo.Info.Pieces,
		uint32(metainfo.Info.PieceLength),
		uint64(metainfo.Size()),
		int(cfg.Peer.MaxPeers),
		logger,
	)
	if err != nil {
		return nil, err
	}

	resumeBF, err := store.ScanResume()
	if err != nil {
		return nil, fmt.Errorf("resume scan: %w", err)
	}
	resumed := 0
	for i := 0; i < resumeBF.Len(); i++ {
		if resumeBF.Has(i) {
			pieceManager.MarkPieceVerified(uint32(i), true)
			resumed++
		}
	}
	if resumed > 0 {
		logger.Info("resumed from disk", "pieces", resumed, "total", resumeBF.Len())
	}

	sched := scheduler.NewScheduler(pieceManager, store, cfg.Scheduler, logger)

	peerManager, err := peer.NewSwarm(&peer.SwarmOpts{
		Config:    cfg.Peer,
		Logger:    logger,
		Scheduler: sched,
		InfoHash:  metainfo.InfoHash,
		ClientID:  clientID,
	})
	if err != nil {
		return nil, err
	}

	t := &Torrent{
		Metainfo:     metainfo,
		clientID:     clientID,
		cfg:          cfg,
		logger:       logger,
		pieceManager: pieceManager,
		scheduler:    sched,
		peerManager:  peerManager,
		storage:      store,
	}

	trk, err := tracker.NewTracker(
		metainfo.Announce,
		metainfo.AnnounceList,
		&tracker.TrackerOpts{
			Config:            cfg.Tracker,
			Log:               logger,
			OnAnnounceStart:   t.buildAnnounceParams,
			OnAnnounceSuccess: t.onAnnounceSuccess,
		},
	)
	if err != nil {
		return nil, err
	}
	t.tracker = trk

	return t, nil
}

func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return t.peerManager.Run(gctx) })
	g.Go(func() error { return t.scheduler.Run(gctx) })
	g.Go(func() error { return t.storage.Run(gctx) })
	g.Go(func() error { return t.tracker.Run(gctx) })

	return g.Wait()
}

func (t *Torrent) Stop() {
	t.cancel()
}

type Stats struct {
	peer.SwarmMetrics
	tracker.TrackerMetrics
	Progress    float64            `json:"progress"`
	Peers       []peer.PeerMetrics `json:"peers"`
	PieceStates []int              `json:"pieceStates"`
}

func (t *Torrent) GetStats() *Stats {
	swarmStats := t.peerManager.Stats()
	trackerStats := t.tracker.Stats()

	rawStates := t.pieceManager.PieceStatus()
	pieceStates := make([]int, len(rawStates))
	for i, status := range rawStates {
		pieceStates[i] = int(status)
	}

	s := &Stats{
		Progress:    0.0,
		Peers:       t.peerManager.PeerMetrics(),
		PieceStates: pieceStates,
	}
	s.SwarmMetrics = swarmStats
	s.TrackerMetrics = trackerStats

	if total := len(s.PieceStates); total > 0 {
		completed := 0
		for _, st := range s.PieceStates {
			if st == int(piece.StatusDone) {
				completed++
			}
		}
		s.Progress = (float64(completed) / float64(total)) * 100.0
	}
	return s
}

func (t *Torrent) GetConfig() *Config {
	return t.cfg
}

func (t *Torrent) UpdateConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	t.cfg = cfg

	if cfg.Scheduler != nil {
		t.scheduler.UpdateConfig(cfg.Scheduler)
	}

	t.logger.Info("torrent configuration updated")
}

func (t *Torrent) GetPeerMessageHistory(peerAddr string, limit int) ([]*peer.Event, error) {
	addr, err := netip.ParseAddrPort(peerAddr)
	if err != nil {
		return nil, err
	}

	p, ok := t.peerManager.GetPeer(addr)
	if !ok {
		return nil, fmt.Errorf("peer not found: %s", peerAddr)
	}

	return p.GetMessageHistory(limit)
}

// buildAnnounceParams computes the current announce parameters. Left is
// derived from the verified-piece bitmap rather than the swarm's cumulative
// download counter, so a resumed torrent reports its real remaining bytes
// instead of the full size. started/completed are each reported at most once
// per session: started on the very first announce, completed the first time
// the verified bitmap turns all-ones.
func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	pieceCount := t.pieceManager.PieceCount()
	verified := t.pieceManager.Bitfield()

	var completedBytes uint64
	for i := uint32(0); i < pieceCount; i++ {
		if verified.Has(int(i)) {
			completedBytes += uint64(t.pieceManager.PieceLength(i))
		}
	}

	size := uint64(t.Metainfo.Size())
	var left uint64
	if size > completedBytes {
		left = size - completedBytes
	}

	event := tracker.EventNone
	switch {
	case !t.announcedStarted:
		event = tracker.EventStarted
		t.announcedStarted = true
	case left == 0 && !t.announcedCompleted:
		event = tracker.EventCompleted
		t.announcedCompleted = true
	}

	return &tracker.AnnounceParams{
		Event:      event,
		InfoHash:   t.Metainfo.InfoHash,
		PeerID:     t.clientID,
		Uploaded:   t.peerManager.Stats().TotalUploaded,
		Downloaded: completedBytes,
		Left:       left,
		NumWant:    50,
		Port:       t.cfg.Tracker.Port,
	}
}

func (t *Torrent) onAnnounceSuccess(addrs []netip.AddrPort) {
	t.peerManager.AdmitPeers(addrs)
}
