// Package store writes fetched artifacts to the content-addressed local
// cache (spec §6) using the teacher's write-temp-then-rename idiom,
// generalized from per-filing paths to hash-prefix sharded paths.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lawcorpus/collector/internal/model"
)

// Cache writes and reads artifacts under a content-addressed root:
// <root>/<aa>/<bb>/<hash>.<ext>, with a sibling .tmp/ directory for
// in-progress writes (spec §6).
type Cache struct {
	root string
}

// NewCache ensures the root (and its .tmp staging directory) exist and
// returns a Cache rooted there.
func NewCache(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root %s: %w", root, err)
	}
	if err := os.MkdirAll(filepath.Join(root, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache tmp dir: %w", err)
	}
	return &Cache{root: root}, nil
}

// Hash computes the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PathFor returns the path an artifact with the given hash and
// extension would live at, without writing anything.
func (c *Cache) PathFor(hash, ext string) string {
	if len(hash) < 4 {
		// defensive: malformed hash still gets a deterministic bucket
		hash = fmt.Sprintf("%032x", sha256.Sum256([]byte(hash)))
	}
	aa, bb := hash[0:2], hash[2:4]
	name := hash + "." + ext
	return filepath.Join(c.root, aa, bb, name)
}

// StageResult reports what Write actually did, feeding quality.Gate 3.
type StageResult struct {
	Hash       string
	Path       string
	ByteSize   int64
	FsyncErr   error
}

// Write stages data to a unique temp path under .tmp/, fsyncs it, then
// atomically renames it into its final content-addressed location
// (spec §4.4 "HashAndStage": "The write is to a temporary path then
// atomically renamed"). If the final path already exists (another
// worker, or a prior run, wrote the same content), nothing is written
// and the existing path is returned — content addressing makes a
// second write a no-op by construction.
func (c *Cache) Write(data []byte, ext string) (StageResult, error) {
	hash := Hash(data)
	finalPath := c.PathFor(hash, ext)

	if info, err := os.Stat(finalPath); err == nil {
		return StageResult{Hash: hash, Path: finalPath, ByteSize: info.Size()}, nil
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return StageResult{}, fmt.Errorf("creating artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Join(c.root, ".tmp"), "stage-*")
	if err != nil {
		return StageResult{}, fmt.Errorf("creating staging file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return StageResult{}, fmt.Errorf("writing staging file: %w", err)
	}

	fsyncErr := tmp.Sync()
	closeErr := tmp.Close()
	if fsyncErr != nil {
		os.Remove(tmpPath)
		return StageResult{}, fmt.Errorf("fsyncing staging file: %w", fsyncErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return StageResult{}, fmt.Errorf("closing staging file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return StageResult{}, fmt.Errorf("renaming staged artifact into place: %w", err)
	}

	return StageResult{Hash: hash, Path: finalPath, ByteSize: int64(len(data))}, nil
}

// Remove deletes an artifact, used when the catalog reports a duplicate
// and the just-staged file turns out to be redundant (spec §4.4
// "Persist → Done": "delete the staged file").
func (c *Cache) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing staged artifact %s: %w", path, err)
	}
	return nil
}

// FreeBytes reports the free space available on the filesystem backing
// the cache root, used by the dispatcher's periodic free-space check
// (spec §5).
func (c *Cache) FreeBytes() (int64, error) {
	return freeBytes(c.root)
}

// RelativePath strips the cache root prefix, producing the value that
// gets persisted as FileStorage.CachePath (a path "relative to the
// content-addressed local root", per spec §3).
func (c *Cache) RelativePath(full string) string {
	rel, err := filepath.Rel(c.root, full)
	if err != nil {
		return full
	}
	return rel
}

// BuildMetadata assembles model.ArtifactMetadata from a StageResult.
func BuildMetadata(res StageResult, tier model.StorageTier) model.ArtifactMetadata {
	return model.ArtifactMetadata{
		ContentHash: res.Hash,
		ByteSize:    res.ByteSize,
		CachePath:   res.Path,
		StorageTier: tier,
	}
}
