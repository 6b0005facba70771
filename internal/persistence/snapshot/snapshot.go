// Package snapshot writes full world states to compressed files so a game
// can be audited or replayed without the database.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"faxhistoria.ai/internal/sim/world"
)

const Version = 1

// Header is written as one JSON line ahead of the gob body so tools can
// identify a file without decoding the state.
type Header struct {
	Version    int    `json:"version"`
	GameID     string `json:"game_id"`
	TurnNumber int    `json:"turn_number"`
	Year       int    `json:"year"`
	Digest     string `json:"digest"`
}

type File struct {
	Header Header
	State  *world.State
}

func New(gameID string, s *world.State) File {
	return File{
		Header: Header{
			Version:    Version,
			GameID:     gameID,
			TurnNumber: s.TurnNumber,
			Year:       s.CurrentYear,
			Digest:     s.Digest(),
		},
		State: s,
	}
}

// Path is the conventional location of a game's snapshot for one turn.
func Path(baseDir, gameID string, turn int) string {
	return filepath.Join(baseDir, gameID, fmt.Sprintf("%06d.snap.zst", turn))
}

func WriteSnapshot(path string, snap File) error {
	if snap.State == nil {
		return fmt.Errorf("snapshot without state")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(snap.State); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

// ReadSnapshot decodes a snapshot and checks the state against the digest
// recorded in its header.
func ReadSnapshot(path string) (File, error) {
	var snap File
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &snap.Header); err != nil {
		return snap, fmt.Errorf("decode header: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}

	var st world.State
	if err := gob.NewDecoder(br).Decode(&st); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	snap.State = &st
	if got := st.Digest(); got != snap.Header.Digest {
		return snap, fmt.Errorf("snapshot digest mismatch: header=%s state=%s", snap.Header.Digest, got)
	}
	return snap, nil
}
