package storage

import (
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prxssh/rabbit/internal/meta"
)

func testMetainfo(name string, pieceLen int32, content []byte) *meta.Metainfo {
	n := (len(content) + int(pieceLen) - 1) / int(pieceLen)
	hashes := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		start := i * int(pieceLen)
		end := min(start+int(pieceLen), len(content))
		hashes[i] = sha1.Sum(content[start:end])
	}

	return &meta.Metainfo{
		Info: &meta.Info{
			Name:        name,
			PieceLength: pieceLen,
			Pieces:      hashes,
			Length:      int64(len(content)),
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runStore(t *testing.T, s *Store) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return cancel
}

func TestStore_SingleFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 40)
	for i := range content {
		content[i] = byte(i)
	}
	mi := testMetainfo("file.bin", 16, content)

	s, err := NewStorage(mi, &Config{DownloadDir: dir, PieceQueueSize: 8, DiskQueueSize: 8, MaxOpenFiles: 4}, discardLogger())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	defer s.Close()

	cancel := runStore(t, s)
	defer cancel()

	pieceLens := []int{16, 16, 8}
	for pi, pl := range pieceLens {
		start := pi * 16
		s.PieceQueue <- &BlockWrite{PieceIdx: pi, Begin: 0, PieceLen: pl, Data: content[start : start+pl]}

		select {
		case res := <-s.PieceResultQueue:
			if res.Piece != pi || !res.Success {
				t.Fatalf("piece %d: unexpected result %+v", pi, res)
			}
		case <-time.After(time.Second):
			t.Fatalf("piece %d: timed out waiting for result", pi)
		}
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(onDisk) != string(content) {
		t.Fatalf("on-disk content mismatch")
	}

	buf := make([]byte, 16)
	if err := s.ReadPiece(1, buf); err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if string(buf) != string(content[16:32]) {
		t.Fatalf("ReadPiece(1) mismatch")
	}
}

func TestStore_MultiFileSpanningBlock(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 15) // a.bin: 5 bytes, b.bin: 10 bytes
	for i := range content {
		content[i] = byte(100 + i)
	}
	pieceLen := int32(15)
	hashes := [][sha1.Size]byte{sha1.Sum(content)}

	mi := &meta.Metainfo{
		Info: &meta.Info{
			Name:        "multi",
			PieceLength: pieceLen,
			Pieces:      hashes,
			Files: []*meta.File{
				{Path: []string{"a.bin"}, Length: 5},
				{Path: []string{"b.bin"}, Length: 10},
			},
		},
	}

	s, err := NewStorage(mi, &Config{DownloadDir: dir, PieceQueueSize: 4, DiskQueueSize: 4, MaxOpenFiles: 1}, discardLogger())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	defer s.Close()

	cancel := runStore(t, s)
	defer cancel()

	s.PieceQueue <- &BlockWrite{PieceIdx: 0, Begin: 0, PieceLen: int(pieceLen), Data: content}

	select {
	case res := <-s.PieceResultQueue:
		if !res.Success {
			t.Fatalf("piece write failed: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for result")
	}

	// MaxOpenFiles: 1 forces the handle cache to evict between files; the
	// read must still see both.
	buf := make([]byte, pieceLen)
	if err := s.ReadPiece(0, buf); err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if string(buf) != string(content) {
		t.Fatalf("ReadPiece spanning files mismatch")
	}
}

func TestStore_HashMismatchNotWritten(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 16)
	mi := testMetainfo("bad.bin", 16, content)
	// corrupt the expected hash
	mi.Info.Pieces[0] = sha1.Sum([]byte("not the content"))

	s, err := NewStorage(mi, &Config{DownloadDir: dir, PieceQueueSize: 4, DiskQueueSize: 4, MaxOpenFiles: 4}, discardLogger())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	defer s.Close()

	cancel := runStore(t, s)
	defer cancel()

	s.PieceQueue <- &BlockWrite{PieceIdx: 0, Begin: 0, PieceLen: 16, Data: content}

	select {
	case res := <-s.PieceResultQueue:
		if res.Success {
			t.Fatalf("expected hash mismatch to fail, got success")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for result")
	}
}

func TestStore_ScanResumeDetectsCompletePieces(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 32)
	for i := range content {
		content[i] = byte(i * 3)
	}
	mi := testMetainfo("resume.bin", 16, content)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "resume.bin"), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := NewStorage(mi, &Config{DownloadDir: dir, MaxOpenFiles: 4}, discardLogger())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	defer s.Close()

	bf, err := s.ScanResume()
	if err != nil {
		t.Fatalf("ScanResume: %v", err)
	}
	if !bf.Has(0) || !bf.Has(1) {
		t.Fatalf("ScanResume did not mark both pieces complete: %v", bf)
	}
}

func TestStore_ScanResumeMissesCorruptPiece(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 32)
	for i := range content {
		content[i] = byte(i * 3)
	}
	mi := testMetainfo("partial.bin", 16, content)

	corrupted := make([]byte, 32)
	copy(corrupted, content)
	corrupted[20] ^= 0xFF

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "partial.bin"), corrupted, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := NewStorage(mi, &Config{DownloadDir: dir, MaxOpenFiles: 4}, discardLogger())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	defer s.Close()

	bf, err := s.ScanResume()
	if err != nil {
		t.Fatalf("ScanResume: %v", err)
	}
	if !bf.Has(0) {
		t.Fatalf("expected piece 0 (untouched) to verify")
	}
	if bf.Has(1) {
		t.Fatalf("expected corrupted piece 1 to fail verification")
	}
}
