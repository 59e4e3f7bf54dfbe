package torrent

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/prxssh/rabbit/internal/metrics"
)

// Client owns every torrent in a session, keyed by info hash. It is the
// single entrypoint the CLI (and, in future, any other frontend) drives.
type Client struct {
	log      *slog.Logger
	mu       sync.RWMutex
	clientID [sha1.Size]byte
	torrents map[[sha1.Size]byte]*Torrent
}

func NewClient() (*Client, error) {
	clientID, err := generateClientID()
	if err != nil {
		return nil, err
	}

	return &Client{
		log:      slog.Default(),
		clientID: clientID,
		torrents: make(map[[sha1.Size]byte]*Torrent),
	}, nil
}

// AddTorrent parses data as a .torrent file and starts running it in the
// background under ctx. The caller decides when ctx is cancelled; Stop the
// returned torrent (or cancel ctx) to tear it down early.
func (c *Client) AddTorrent(ctx context.Context, data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	t, err := NewTorrent(c.clientID, data, cfg)
	if err != nil {
		c.log.Error("failed to parse torrent", "error", err, "size", len(data))
		return nil, err
	}

	infoHashHex := hex.EncodeToString(t.Metainfo.InfoHash[:])

	c.log.Info("adding torrent",
		"name", t.Metainfo.Info.Name,
		"info_hash", infoHashHex,
		"size", t.Metainfo.Size(),
		"pieces", len(t.Metainfo.Info.Pieces),
	)

	c.mu.Lock()
	c.torrents[t.Metainfo.InfoHash] = t
	c.mu.Unlock()

	go func() {
		if err := t.Run(ctx); err != nil {
			c.log.Warn("torrent exited", "name", t.Metainfo.Info.Name, "error", err)
		}
	}()

	return t, nil
}

func (c *Client) GetDefaultConfig() *Config {
	return WithDefaultConfig()
}

func (c *Client) RemoveTorrent(infoHashHex string) error {
	var infoHash [sha1.Size]byte

	raw, err := hex.DecodeString(infoHashHex)
	if err != nil || len(raw) != sha1.Size {
		c.log.Error("invalid info hash", "hash", infoHashHex, "error", err)
		return err
	}
	copy(infoHash[:], raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.torrents[infoHash]
	if !ok {
		c.log.Warn("torrent not found", "info_hash", infoHashHex)
		return nil
	}

	c.log.Info("removing torrent", "name", t.Metainfo.Info.Name, "info_hash", infoHashHex)

	t.Stop()
	delete(c.torrents, infoHash)
	return nil
}

func (c *Client) GetTorrentStats(infoHashHex string) *Stats {
	var infoHash [sha1.Size]byte

	raw, err := hex.DecodeString(infoHashHex)
	if err != nil || len(raw) != sha1.Size {
		return nil
	}
	copy(infoHash[:], raw)

	c.mu.RLock()
	t, ok := c.torrents[infoHash]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	return t.GetStats()
}

// Snapshots implements metrics.SnapshotFunc: a point-in-time view of every
// running torrent, suitable for a Prometheus scrape or a JSON status page.
func (c *Client) Snapshots() []metrics.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]metrics.Snapshot, 0, len(c.torrents))
	for _, t := range c.torrents {
		stats := t.GetStats()
		out = append(out, metrics.Snapshot{
			Name:          t.Metainfo.Info.Name,
			Peers:         int(stats.TotalPeers),
			TotalUploaded: stats.TotalUploaded,
			TotalDownload: stats.TotalDownloaded,
			UploadRate:    stats.UploadRate,
			DownloadRate:  stats.DownloadRate,
			ProgressPct:   stats.Progress,
		})
	}
	return out
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-RBBT-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
