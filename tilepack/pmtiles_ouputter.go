package tilepack

import (
	"errors"
	"fmt"
	"hash"
	"hash/fnv"
	"io"
	"log/slog"
	"os"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/protomaps/go-pmtiles/pmtiles"
)

type offsetLen struct {
	offset uint64
	length uint32
}

// pmtilesOutputter buffers tile bodies in a temp file and writes the archive
// on Close. Identical tile bodies are stored once.
type pmtilesOutputter struct {
	tileset   *roaring64.Bitmap
	hashFunc  hash.Hash
	offsetMap map[string]offsetLen
	tileData  *os.File
	entries   map[uint64]pmtiles.EntryV3
	header    pmtiles.HeaderV3
	metadata  map[string]interface{}
	outFile   *os.File
	logger    *slog.Logger
}

func NewPmtilesOutputter(dsn string, bound orb.Bound, minZoom, maxZoom maptile.Zoom) (*pmtilesOutputter, error) {
	tmpFile, err := os.CreateTemp("", "pmtiles-tiledata")
	if err != nil {
		return nil, fmt.Errorf("error creating temp file: %w", err)
	}

	outFile, err := os.Create(dsn)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("error creating pmtiles output file: %w", err)
	}

	center := bound.Center()
	header := pmtiles.HeaderV3{
		SpecVersion:         3,
		InternalCompression: pmtiles.Gzip,
		TileCompression:     pmtiles.NoCompression,
		TileType:            pmtiles.Jpeg,
		MinZoom:             uint8(minZoom),
		MaxZoom:             uint8(maxZoom),
		MinLonE7:            int32(bound.Min.X() * 10000000),
		MinLatE7:            int32(bound.Min.Y() * 10000000),
		MaxLonE7:            int32(bound.Max.X() * 10000000),
		MaxLatE7:            int32(bound.Max.Y() * 10000000),
		CenterZoom:          uint8(minZoom),
		CenterLonE7:         int32(center.X() * 10000000),
		CenterLatE7:         int32(center.Y() * 10000000),
	}

	outputter := &pmtilesOutputter{
		outFile:   outFile,
		tileset:   roaring64.New(),
		hashFunc:  fnv.New128a(),
		tileData:  tmpFile,
		offsetMap: make(map[string]offsetLen),
		entries:   make(map[uint64]pmtiles.EntryV3),
		header:    header,
		metadata: map[string]interface{}{
			"format": "jpg",
			"type":   "overlay",
			"bounds": fmt.Sprintf("%f,%f,%f,%f", bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()),
		},
		logger: slog.Default(),
	}
	return outputter, nil
}

func (p *pmtilesOutputter) Save(tile maptile.Tile, data []byte) error {
	id := pmtiles.ZxyToID(uint8(tile.Z), tile.X, tile.Y)
	p.tileset.Add(id)

	// Hash the tile data to use as a key for dedupe
	p.hashFunc.Reset()
	p.hashFunc.Write(data)
	sumString := string(p.hashFunc.Sum(nil))
	found, ok := p.offsetMap[sumString]

	if !ok {
		offset, err := p.tileData.Seek(0, io.SeekEnd)
		if err != nil {
			return err
		}

		bytesWritten, err := p.tileData.Write(data)
		if err != nil {
			return err
		}

		found = offsetLen{
			offset: uint64(offset),
			length: uint32(bytesWritten),
		}
		p.offsetMap[sumString] = found
	}

	p.entries[id] = pmtiles.EntryV3{
		TileID:    id,
		Offset:    found.offset,
		Length:    found.length,
		RunLength: 1,
	}

	return nil
}

// sortedEntries returns directory entries in tile ID order.
func (p *pmtilesOutputter) sortedEntries() []pmtiles.EntryV3 {
	entries := make([]pmtiles.EntryV3, 0, len(p.entries))
	it := p.tileset.Iterator()
	for it.HasNext() {
		entries = append(entries, p.entries[it.Next()])
	}
	return entries
}

func (p *pmtilesOutputter) Close() error {
	defer func() {
		p.tileData.Close()
		os.Remove(p.tileData.Name())
	}()
	defer p.outFile.Close()

	entries := p.sortedEntries()
	p.header.AddressedTilesCount = p.tileset.GetCardinality()
	p.header.TileEntriesCount = uint64(len(entries))
	p.header.TileContentsCount = uint64(len(p.offsetMap))

	rootBytes, leavesBytes, numLeaves := optimizeDirectories(entries, 16384-pmtiles.HeaderV3LenBytes, pmtiles.Gzip)
	p.logger.Debug("Built pmtiles directories", "tiles", p.tileset.GetCardinality(), "root_bytes", len(rootBytes), "leaf_bytes", len(leavesBytes), "leaves", numLeaves)

	metadataBytes, err := pmtiles.SerializeMetadata(p.metadata, pmtiles.Gzip)
	if err != nil {
		return fmt.Errorf("error serializing pmtiles metadata: %w", err)
	}

	tileDataLength, err := p.tileData.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	p.header.RootOffset = pmtiles.HeaderV3LenBytes
	p.header.RootLength = uint64(len(rootBytes))
	p.header.MetadataOffset = p.header.RootOffset + p.header.RootLength
	p.header.MetadataLength = uint64(len(metadataBytes))
	p.header.LeafDirectoryOffset = p.header.MetadataOffset + p.header.MetadataLength
	p.header.LeafDirectoryLength = uint64(len(leavesBytes))
	p.header.TileDataOffset = p.header.LeafDirectoryOffset + p.header.LeafDirectoryLength
	p.header.TileDataLength = uint64(tileDataLength)

	headerBytes := pmtiles.SerializeHeader(p.header)

	if _, err = p.outFile.Write(headerBytes); err != nil {
		return fmt.Errorf("error writing pmtiles header: %w", err)
	}

	if _, err = p.outFile.Write(rootBytes); err != nil {
		return fmt.Errorf("error writing pmtiles root directory: %w", err)
	}

	if _, err = p.outFile.Write(metadataBytes); err != nil {
		return fmt.Errorf("error writing pmtiles metadata: %w", err)
	}

	if _, err = p.outFile.Write(leavesBytes); err != nil {
		return fmt.Errorf("error writing pmtiles leaf directory: %w", err)
	}

	if _, err = p.tileData.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("error seeking to start of tile data: %w", err)
	}

	if _, err = io.Copy(p.outFile, p.tileData); err != nil {
		return fmt.Errorf("error copying tile data to outfile: %w", err)
	}

	return p.outFile.Close()
}

func optimizeDirectories(entries []pmtiles.EntryV3, targetRootLen int, compression pmtiles.Compression) ([]byte, []byte, int) {
	if len(entries) < 16384 {
		testRootBytes := pmtiles.SerializeEntries(entries, compression)
		if len(testRootBytes) <= targetRootLen {
			return testRootBytes, make([]byte, 0), 0
		}
	}

	// Root directory is leaf pointers only. Grow the leaves until the root fits.
	leafSize := float32(len(entries)) / 3500
	if leafSize < 4096 {
		leafSize = 4096
	}

	for {
		rootBytes, leavesBytes, numLeaves := buildRootsLeaves(entries, int(leafSize), compression)
		if len(rootBytes) <= targetRootLen {
			return rootBytes, leavesBytes, numLeaves
		}
		leafSize *= 1.2
	}
}

func buildRootsLeaves(entries []pmtiles.EntryV3, leafSize int, compression pmtiles.Compression) ([]byte, []byte, int) {
	rootEntries := make([]pmtiles.EntryV3, 0)
	leavesBytes := make([]byte, 0)
	numLeaves := 0

	for i := 0; i < len(entries); i += leafSize {
		numLeaves++
		end := min(i+leafSize, len(entries))
		serialized := pmtiles.SerializeEntries(entries[i:end], compression)

		rootEntries = append(rootEntries, pmtiles.EntryV3{
			TileID:    entries[i].TileID,
			Offset:    uint64(len(leavesBytes)),
			Length:    uint32(len(serialized)),
			RunLength: 0,
		})
		leavesBytes = append(leavesBytes, serialized...)
	}

	rootBytes := pmtiles.SerializeEntries(rootEntries, compression)
	return rootBytes, leavesBytes, numLeaves
}

// ExportPmtiles packs every stored tile of rect into a PMTiles archive at
// path and returns the number of tiles written.
func ExportPmtiles(store TileStore, rect TileRectangle, path string) (int, error) {
	if err := rect.Validate(); err != nil {
		return 0, err
	}

	out, err := NewPmtilesOutputter(path, rect.Bound(), rect.Zoom, rect.Zoom)
	if err != nil {
		return 0, err
	}

	written := 0
	var loadErr error
	rect.Tiles(func(tile maptile.Tile) {
		if loadErr != nil {
			return
		}
		data, err := store.Load(tile)
		if errors.Is(err, ErrTileNotFound) {
			return
		}
		if err != nil {
			loadErr = err
			return
		}
		if err := out.Save(tile, data); err != nil {
			loadErr = err
			return
		}
		written++
	})

	closeErr := out.Close()
	if loadErr != nil {
		return written, loadErr
	}
	return written, closeErr
}
