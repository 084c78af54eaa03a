// Package tilecoord implements the tile/metatile coordinate arithmetic
// shared by the wire protocol, the scheduler and the render worker.
package tilecoord

// MaxZoom is the highest zoom level the daemon will render.
const MaxZoom = 18

// Metatile is the number of tiles on each side of a metatile block.
const Metatile = 8

// Tile identifies a single 256x256 tile.
type Tile struct {
	Z, X, Y int32
}

// Valid reports whether the tile coordinate is within the addressable
// range for its zoom level. An invalid coordinate is a "bad request".
func (t Tile) Valid() bool {
	if t.Z < 0 || t.Z > MaxZoom {
		return false
	}
	limit := int32(1<<uint(t.Z)) - 1
	if t.X < 0 || t.X > limit {
		return false
	}
	if t.Y < 0 || t.Y > limit {
		return false
	}
	return true
}

// MetatileKey identifies the aligned NxN block of tiles that a tile
// belongs to. It is the unit of scheduling, deduplication and storage.
type MetatileKey struct {
	Style  string
	MX, MY int32
	Z      int32
}

// Key derives the metatile key that t belongs to.
func (t Tile) Key(style string) MetatileKey {
	const mask = int32(Metatile - 1)
	return MetatileKey{
		Style: style,
		MX:    t.X &^ mask,
		MY:    t.Y &^ mask,
		Z:     t.Z,
	}
}

// Size returns S, the effective side length of the metatile block at
// this key's zoom level: at low zooms the world has fewer than
// Metatile tiles per axis.
func (k MetatileKey) Size() int32 {
	worldTiles := int32(1 << uint(k.Z))
	if worldTiles < Metatile {
		return worldTiles
	}
	return Metatile
}

// Offset computes the meta-offset of tile t within its metatile: the
// x-major, y-minor row index used by the metatile binary format.
func Offset(t Tile) int {
	const mask = int32(Metatile - 1)
	return int((t.X&mask)*Metatile + (t.Y & mask))
}
