// Package storage maps a torrent's pieces onto the on-disk file layout
// described by its metainfo, reassembles blocks into verified pieces, and
// serves reads back out for seeding and resume.
package storage

import (
	"container/list"
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/meta"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	DownloadDir    string
	PieceQueueSize int
	DiskQueueSize  int
	MaxOpenFiles   int
}

func WithDefaultConfig() *Config {
	return &Config{
		DownloadDir:    getDefaultDownloadDir(),
		PieceQueueSize: 200,
		DiskQueueSize:  100,
		MaxOpenFiles:   64,
	}
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "rabbit")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "rabbit", "downloads")
	}
}

// BlockWrite is a single downloaded block headed for reassembly and disk.
type BlockWrite struct {
	PieceIdx int
	Begin    int
	PieceLen int
	Data     []byte
}

// PieceResult reports the outcome of verifying and writing a piece.
type PieceResult struct {
	Piece   int
	Success bool
}

type Store struct {
	cfg              *Config
	log              *slog.Logger
	pieceBufferMut   sync.RWMutex
	pieceBuffers     map[int]*pieceBuffer
	pieceHashes      [][sha1.Size]byte
	PieceQueue       chan *BlockWrite
	diskWriteQueue   chan *completePiece
	PieceResultQueue chan *PieceResult
	pieceLen         int32
	totalSize        int64
	layout           []*fileSpan
	handles          *fileHandleCache
}

type pieceBuffer struct {
	index    int
	blocks   map[int][]byte
	size     int
	received int
	mut      sync.Mutex
}

// fileSpan is the static byte-range mapping of one torrent file onto the
// flat piece-offset stream, independent of any open file descriptor.
type fileSpan struct {
	path   string
	offset int64
	length int64
}

type completePiece struct {
	index int
	data  []byte
}

func NewStorage(metainfo *meta.Metainfo, cfg *Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage")

	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	if cfg.MaxOpenFiles <= 0 {
		cfg.MaxOpenFiles = 64
	}

	layout, err := buildLayout(metainfo, cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("build file layout: %w", err)
	}

	s := &Store{
		cfg:              cfg,
		log:              log,
		layout:           layout,
		pieceHashes:      metainfo.Info.Pieces,
		pieceLen:         metainfo.Info.PieceLength,
		totalSize:        metainfo.Size(),
		pieceBuffers:     make(map[int]*pieceBuffer),
		PieceResultQueue: make(chan *PieceResult, cfg.DiskQueueSize),
		diskWriteQueue:   make(chan *completePiece, cfg.DiskQueueSize),
		PieceQueue:       make(chan *BlockWrite, cfg.PieceQueueSize),
		handles:          newFileHandleCache(cfg.MaxOpenFiles),
	}

	return s, nil
}

// Run drives the piece-reassembly and disk-write pipeline until ctx is
// cancelled.
func (s *Store) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.processPiecesLoop(gctx) })
	g.Go(func() error { return s.writeToDiskLoop(gctx) })

	s.log.Info("workers started")

	return g.Wait()
}

// Close releases every cached file handle.
func (s *Store) Close() error {
	return s.handles.closeAll()
}

func (s *Store) processPiecesLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case block, ok := <-s.PieceQueue:
			if !ok {
				return nil
			}

			if err := s.handlePieceBlock(block); err != nil {
				s.log.Error("handle piece failed", "error", err.Error())
			}
		}
	}
}

func (s *Store) handlePieceBlock(block *BlockWrite) error {
	s.pieceBufferMut.Lock()
	buf, exists := s.pieceBuffers[block.PieceIdx]
	if !exists {
		buf = &pieceBuffer{
			index:  block.PieceIdx,
			blocks: make(map[int][]byte),
			size:   block.PieceLen,
		}
		s.pieceBuffers[block.PieceIdx] = buf
	}
	s.pieceBufferMut.Unlock()

	buf.mut.Lock()

	if _, exists := buf.blocks[block.Begin]; exists {
		buf.mut.Unlock()
		s.log.Debug(
			"received duplicate block",
			"piece", block.PieceIdx,
			"begin", block.Begin,
		)
		return nil
	}

	buf.blocks[block.Begin] = block.Data
	buf.received += len(block.Data)

	if buf.received != buf.size {
		buf.mut.Unlock()
		return nil
	}

	completeData := make([]byte, buf.size)
	for offset, data := range buf.blocks {
		copy(completeData[offset:], data)
	}

	buf.mut.Unlock()

	hash := sha1.Sum(completeData)
	if hash != s.pieceHashes[block.PieceIdx] {
		s.log.Warn("piece hash mismatch, discarding", "piece", block.PieceIdx)

		buf.mut.Lock()
		buf.blocks = make(map[int][]byte)
		buf.received = 0
		buf.mut.Unlock()

		s.PieceResultQueue <- &PieceResult{Piece: block.PieceIdx, Success: false}

		return fmt.Errorf("piece %d: hash mismatch", block.PieceIdx)
	}

	s.diskWriteQueue <- &completePiece{index: block.PieceIdx, data: completeData}

	s.pieceBufferMut.Lock()
	delete(s.pieceBuffers, block.PieceIdx)
	s.pieceBufferMut.Unlock()

	return nil
}

func (s *Store) writeToDiskLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case piece, ok := <-s.diskWriteQueue:
			if !ok {
				return nil
			}

			success := true

			if err := s.writePiece(piece.index, piece.data); err != nil {
				s.log.Error("failed to write piece to disk",
					"index", piece.index,
					"error", err.Error(),
				)

				success = false
			}

			s.PieceResultQueue <- &PieceResult{Piece: piece.index, Success: success}
		}
	}
}

func (s *Store) writePiece(index int, data []byte) error {
	absStart := int64(index) * int64(s.pieceLen)
	return s.forEachOverlap(absStart, data, func(h *os.File, fileOff int64, buf []byte) error {
		n, err := h.WriteAt(buf, fileOff)
		if err != nil {
			return err
		}
		if n != len(buf) {
			return fmt.Errorf("incomplete write: wrote %d, expected %d", n, len(buf))
		}
		return nil
	})
}

// ReadPiece fills data with the bytes of piece index, reading across
// whichever files that piece's byte range spans. It is used to hash-verify
// pieces on resume.
func (s *Store) ReadPiece(index int, data []byte) error {
	absStart := int64(index) * int64(s.pieceLen)
	return s.forEachOverlap(absStart, data, func(h *os.File, fileOff int64, buf []byte) error {
		n, err := h.ReadAt(buf, fileOff)
		if err != nil {
			return err
		}
		if n != len(buf) {
			return fmt.Errorf("incomplete read: read %d, expected %d", n, len(buf))
		}
		return nil
	})
}

// ReadBlock fills data with len(data) bytes starting at byte offset begin
// within piece index, reading across whichever files that range spans. It is
// used to serve "request" messages from other peers, which may ask for any
// sub-range of a piece, not just its first block.
func (s *Store) ReadBlock(index, begin int, data []byte) error {
	absStart := int64(index)*int64(s.pieceLen) + int64(begin)
	return s.forEachOverlap(absStart, data, func(h *os.File, fileOff int64, buf []byte) error {
		n, err := h.ReadAt(buf, fileOff)
		if err != nil {
			return err
		}
		if n != len(buf) {
			return fmt.Errorf("incomplete read: read %d, expected %d", n, len(buf))
		}
		return nil
	})
}

// forEachOverlap walks the file spans overlapping the byte range
// [absStart, absStart+len(data)) and invokes fn once per overlapping file
// with the in-data slice that file owns, opening (and evicting) handles
// through the LRU cache.
func (s *Store) forEachOverlap(
	absStart int64,
	data []byte,
	fn func(h *os.File, fileOffset int64, buf []byte) error,
) error {
	absEnd := absStart + int64(len(data))

	for _, span := range s.layout {
		fileAbsStart := span.offset
		fileAbsEnd := fileAbsStart + span.length

		overlapStart := max(absStart, fileAbsStart)
		overlapEnd := min(absEnd, fileAbsEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		length := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileAbsStart
		offsetInData := overlapStart - absStart

		h, err := s.handles.open(span)
		if err != nil {
			return fmt.Errorf("open %s: %w", span.path, err)
		}

		if err := fn(h, offsetInFile, data[offsetInData:offsetInData+length]); err != nil {
			return fmt.Errorf("%s: %w", span.path, err)
		}
	}

	return nil
}

// ScanResume hash-verifies every piece already present on disk and returns
// a bitfield marking the ones that verify, so a restarted download can skip
// re-requesting data it already has.
func (s *Store) ScanResume() (bitfield.Bitfield, error) {
	n, ok := pieceCountFor(s.totalSize, s.pieceLen)
	if !ok {
		return nil, fmt.Errorf("storage: invalid piece length %d for size %d", s.pieceLen, s.totalSize)
	}

	bf := bitfield.New(n)
	buf := make([]byte, s.pieceLen)

	for i := 0; i < n; i++ {
		length := s.pieceLen
		if i == n-1 {
			if rem := s.totalSize % int64(s.pieceLen); rem != 0 {
				length = int32(rem)
			}
		}

		piece := buf[:length]
		if err := s.ReadPiece(i, piece); err != nil {
			continue // missing/short file: piece stays unverified
		}
		if sha1.Sum(piece) == s.pieceHashes[i] {
			bf.Set(i)
		}
	}

	return bf, nil
}

func pieceCountFor(size int64, pieceLen int32) (int, bool) {
	if size <= 0 || pieceLen <= 0 {
		return 0, false
	}
	return int((size + int64(pieceLen) - 1) / int64(pieceLen)), true
}

// within reports whether path, once cleaned, stays inside root. It is a
// second line of defense against path traversal behind meta.ParseMetainfo's
// parse-time segment validation.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func buildLayout(metainfo *meta.Metainfo, downloadDir string) ([]*fileSpan, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	var (
		currentOffset int64
		layout        []*fileSpan
	)

	if metainfo.Info.Length > 0 {
		fp := filepath.Join(downloadDir, metainfo.Info.Name)
		if !within(downloadDir, fp) {
			return nil, fmt.Errorf("storage: %q escapes download directory", metainfo.Info.Name)
		}
		if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
			return nil, err
		}
		if err := preallocate(fp, metainfo.Info.Length); err != nil {
			return nil, err
		}
		return append(layout, &fileSpan{path: fp, length: metainfo.Info.Length}), nil
	}

	for _, file := range metainfo.Info.Files {
		fp := filepath.Join(downloadDir, metainfo.Info.Name)
		for _, pathPart := range file.Path {
			fp = filepath.Join(fp, pathPart)
		}
		if !within(downloadDir, fp) {
			return nil, fmt.Errorf("storage: %q escapes download directory", filepath.Join(file.Path...))
		}

		if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
			return nil, err
		}
		if err := preallocate(fp, file.Length); err != nil {
			return nil, err
		}

		layout = append(layout, &fileSpan{path: fp, length: file.Length, offset: currentOffset})
		currentOffset += file.Length
	}

	return layout, nil
}

// preallocate creates path at its final size, or truncates/extends an
// existing file whose size differs, without holding the descriptor open — file handles are opened lazily and
// LRU-bounded by fileHandleCache.
func preallocate(path string, size int64) error {
	info, err := os.Stat(path)
	if err == nil && info.Size() == size {
		return nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Truncate(size)
}

// fileHandleCache bounds the number of concurrently open file descriptors
// to maxOpen, closing the least-recently-used handle to make room for a new
// one — torrents with thousands of small files would otherwise exhaust the
// process's descriptor limit.
type fileHandleCache struct {
	mu      sync.Mutex
	maxOpen int
	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

type handleEntry struct {
	path string
	f    *os.File
}

func newFileHandleCache(maxOpen int) *fileHandleCache {
	return &fileHandleCache{
		maxOpen: maxOpen,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *fileHandleCache) open(span *fileSpan) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[span.path]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*handleEntry).f, nil
	}

	f, err := os.OpenFile(span.path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	if c.order.Len() >= c.maxOpen {
		lru := c.order.Back()
		if lru != nil {
			entry := lru.Value.(*handleEntry)
			entry.f.Close()
			delete(c.entries, entry.path)
			c.order.Remove(lru)
		}
	}

	el := c.order.PushFront(&handleEntry{path: span.path, f: f})
	c.entries[span.path] = el

	return f, nil
}

func (c *fileHandleCache) closeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for el := c.order.Front(); el != nil; el = el.Next() {
		if err := el.Value.(*handleEntry).f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.order.Init()
	c.entries = make(map[string]*list.Element)

	return firstErr
}
