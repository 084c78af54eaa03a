// Package metatile computes the on-disk path for a metatile key and
// encodes/decodes the renderd metatile binary format.
//
// Grounded on the path-hashing and file layout in
// internal/mapcache/mapcache.go's Layer.Path (teacher) generalized from
// a single hash-based cache key to the five-nibble hashed directory
// layout specified for mod_tile-compatible metatiles, and on the
// write-to-temp-then-rename pattern used throughout
// internal/infrastructure/project/disk_storage.go.
package metatile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/renderd/renderd/internal/tilecoord"
)

// Magic is the 4-byte file magic that identifies a metatile file.
var Magic = [4]byte{'M', 'E', 'T', 'A'}

const (
	headerSize = 4 + 4*4                              // magic + count,x,y,z
	indexSize  = tilecoord.Metatile * tilecoord.Metatile * (4 + 4) // offset,size per slot
)

// Path computes the filesystem path for the metatile file holding key,
// rooted at tileDir: {tileDir}/{style}/{z}/{h4}/{h3}/{h2}/{h1}/{h0}.meta
func Path(tileDir string, key tilecoord.MetatileKey) string {
	mx, my := key.MX, key.MY
	var h [5]byte
	for i := 0; i < 5; i++ {
		h[i] = byte(((mx & 0xF) << 4) | (my & 0xF))
		mx >>= 4
		my >>= 4
	}
	return filepath.Join(
		tileDir, key.Style, fmt.Sprintf("%d", key.Z),
		fmt.Sprintf("%d", h[4]), fmt.Sprintf("%d", h[3]), fmt.Sprintf("%d", h[2]), fmt.Sprintf("%d", h[1]),
		fmt.Sprintf("%d.meta", h[0]),
	)
}

// TilePayload is one tile's encoded bytes, indexed by its meta-offset
// within the block. A nil entry at an index means that slot is outside
// the active S×S region at low zoom and is written as a zero index
// entry.
type TilePayload struct {
	Offset int // meta-offset, tilecoord.Offset(tile)
	Data   []byte
}

// Encode serializes a metatile file's bytes for key given its tile
// payloads. Absent slots (index not present in tiles) are written with
// offset=0, size=0 per §4.2's padding rule.
func Encode(key tilecoord.MetatileKey, tiles []TilePayload) []byte {
	const slots = tilecoord.Metatile * tilecoord.Metatile
	bySlot := make([][]byte, slots)
	for _, t := range tiles {
		bySlot[t.Offset] = t.Data
	}

	buf := new(bytes.Buffer)
	buf.Write(Magic[:])
	writeInt32(buf, slots)
	writeInt32(buf, key.MX)
	writeInt32(buf, key.MY)
	writeInt32(buf, key.Z)

	payloadStart := headerSize + indexSize
	offset := payloadStart
	offsets := make([]int, slots)
	sizes := make([]int, slots)
	for i, data := range bySlot {
		if data == nil {
			continue
		}
		offsets[i] = offset
		sizes[i] = len(data)
		offset += len(data)
	}
	for i := 0; i < slots; i++ {
		writeInt32(buf, int32(offsets[i]))
		writeInt32(buf, int32(sizes[i]))
	}
	for _, data := range bySlot {
		if data != nil {
			buf.Write(data)
		}
	}
	return buf.Bytes()
}

func writeInt32(w io.Writer, v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.Write(b[:])
}

// WriteAtomic persists the encoded metatile bytes at the path derived
// from key, writing to a worker-scoped temp file first and renaming
// over the final path so concurrent readers never see a partial file.
// Parent directories are created on demand; a directory that another
// worker just created concurrently is tolerated.
func WriteAtomic(tileDir string, key tilecoord.MetatileKey, workerID int, data []byte) (string, error) {
	path := Path(tileDir, key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0775); err != nil && !os.IsExist(err) {
		return "", fmt.Errorf("metatile: creating directory %s: %w", dir, err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, workerID)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0664)
	if err != nil {
		return "", fmt.Errorf("metatile: creating temp file %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("metatile: writing temp file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("metatile: closing temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("metatile: renaming %s to %s: %w", tmp, path, err)
	}
	return path, nil
}

// Header is the decoded fixed portion of a metatile file, used by
// readers and by tests to verify the round trip.
type Header struct {
	Magic [4]byte
	Count int32
	X, Y  int32
	Z     int32
}

// IndexEntry is one (offset, size) pair from a metatile's index table.
type IndexEntry struct {
	Offset int32
	Size   int32
}

// Decode parses a metatile file's bytes back into its header and index
// table; payload bytes are read by slicing data with an index entry's
// offset and size. Used by tests to assert the round-trip invariant;
// the daemon itself never reads metatile files back (§1 non-goals).
func Decode(data []byte) (Header, []IndexEntry, error) {
	if len(data) < headerSize+indexSize {
		return Header{}, nil, fmt.Errorf("metatile: file too short: %d bytes", len(data))
	}
	var hdr Header
	copy(hdr.Magic[:], data[0:4])
	if hdr.Magic != Magic {
		return Header{}, nil, fmt.Errorf("metatile: bad magic %q", hdr.Magic)
	}
	hdr.Count = int32(binary.LittleEndian.Uint32(data[4:8]))
	hdr.X = int32(binary.LittleEndian.Uint32(data[8:12]))
	hdr.Y = int32(binary.LittleEndian.Uint32(data[12:16]))
	hdr.Z = int32(binary.LittleEndian.Uint32(data[16:20]))

	slots := tilecoord.Metatile * tilecoord.Metatile
	index := make([]IndexEntry, slots)
	pos := headerSize
	for i := 0; i < slots; i++ {
		index[i] = IndexEntry{
			Offset: int32(binary.LittleEndian.Uint32(data[pos : pos+4])),
			Size:   int32(binary.LittleEndian.Uint32(data[pos+4 : pos+8])),
		}
		pos += 8
	}
	return hdr, index, nil
}
