package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// CacheEntry is the stored result of one successful task execution.
//
// Failed executions are never stored. Timestamps and host-specific data are
// excluded so that equal hashes always map to equal entries.
type CacheEntry struct {
	Hash TaskHash

	// Roots are the declared outputs as they existed after the action.
	Roots []OutputRoot

	// Artifacts are the harvested files beneath Roots, sorted by path.
	Artifacts []CachedArtifact

	// Log is whatever the action reported while running.
	Log []byte
}

// CachedArtifact is a single file stored in the cache.
type CachedArtifact struct {
	Path    string
	Digest  string
	Content []byte
}

// Cache stores and retrieves execution results by TaskHash.
//
// Get returns (nil, nil) for an unknown hash.
type Cache interface {
	Has(hash TaskHash) (bool, error)
	Get(hash TaskHash) (*CacheEntry, error)
	Put(entry *CacheEntry) error
}

// FileCache implements Cache on the local filesystem.
//
// Layout:
//
//	{CacheDir}/
//	  {hash[0:2]}/
//	    {hash}/
//	      entry.cbor      (roots, artifact paths and digests, log)
//	      blobs/
//	        {digest}.zst
//
// Metadata uses CBOR core deterministic encoding; blobs are zstd frames
// named by the BLAKE3 digest of their uncompressed content.
type FileCache struct {
	CacheDir string
}

func NewFileCache(cacheDir string) *FileCache {
	return &FileCache{CacheDir: cacheDir}
}

const entryFile = "entry.cbor"

type entryMetadata struct {
	Hash      string          `cbor:"1,keyasint"`
	Roots     []OutputRoot    `cbor:"2,keyasint"`
	Artifacts []artifactIndex `cbor:"3,keyasint"`
	Log       []byte          `cbor:"4,keyasint,omitempty"`
}

type artifactIndex struct {
	Path   string `cbor:"1,keyasint"`
	Digest string `cbor:"2,keyasint"`
	Size   int    `cbor:"3,keyasint"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("core: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("core: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("core: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("core: zstd decoder initialization failed: " + err.Error())
	}
}

func (c *FileCache) Has(hash TaskHash) (bool, error) {
	_, err := os.Stat(filepath.Join(c.entryPath(hash), entryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking cache entry: %w", err)
	}
	return true, nil
}

// Get loads an entry and verifies every blob against its recorded digest.
func (c *FileCache) Get(hash TaskHash) (*CacheEntry, error) {
	entryDir := c.entryPath(hash)
	data, err := os.ReadFile(filepath.Join(entryDir, entryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache metadata: %w", err)
	}

	var meta entryMetadata
	if err := cborDec.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing cache metadata: %w", err)
	}
	if TaskHash(meta.Hash) != hash {
		return nil, fmt.Errorf("cache entry %s records hash %s", hash, meta.Hash)
	}

	entry := &CacheEntry{
		Hash:      hash,
		Roots:     meta.Roots,
		Artifacts: make([]CachedArtifact, 0, len(meta.Artifacts)),
		Log:       meta.Log,
	}
	for _, idx := range meta.Artifacts {
		compressed, err := os.ReadFile(filepath.Join(entryDir, "blobs", idx.Digest+".zst"))
		if err != nil {
			return nil, fmt.Errorf("reading blob for %q: %w", idx.Path, err)
		}
		content, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, idx.Size))
		if err != nil {
			return nil, fmt.Errorf("decompressing blob for %q: %w", idx.Path, err)
		}
		if ContentDigest(content) != idx.Digest {
			return nil, fmt.Errorf("blob for %q does not match digest %s", idx.Path, idx.Digest)
		}
		entry.Artifacts = append(entry.Artifacts, CachedArtifact{Path: idx.Path, Digest: idx.Digest, Content: content})
	}
	return entry, nil
}

// Put writes the entry into a temp directory and renames it into place, so a
// crash leaves either no entry or a complete one.
func (c *FileCache) Put(entry *CacheEntry) error {
	if entry == nil {
		return errors.New("cache entry is nil")
	}

	entryDir := c.entryPath(entry.Hash)
	parentDir := filepath.Dir(entryDir)
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	tmpDir, err := os.MkdirTemp(parentDir, "tmp-entry-")
	if err != nil {
		return fmt.Errorf("creating temp cache entry dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	blobsDir := filepath.Join(tmpDir, "blobs")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return fmt.Errorf("creating cache blobs dir: %w", err)
	}

	meta := entryMetadata{
		Hash:      string(entry.Hash),
		Roots:     entry.Roots,
		Artifacts: make([]artifactIndex, 0, len(entry.Artifacts)),
		Log:       entry.Log,
	}
	written := make(map[string]struct{})
	for _, a := range entry.Artifacts {
		digest := a.Digest
		if digest == "" {
			digest = ContentDigest(a.Content)
		}
		meta.Artifacts = append(meta.Artifacts, artifactIndex{Path: a.Path, Digest: digest, Size: len(a.Content)})
		if _, ok := written[digest]; ok {
			continue
		}
		written[digest] = struct{}{}
		blob := zstdEncoder.EncodeAll(a.Content, nil)
		if err := os.WriteFile(filepath.Join(blobsDir, digest+".zst"), blob, 0o644); err != nil {
			return fmt.Errorf("writing blob for %q: %w", a.Path, err)
		}
	}

	data, err := cborEnc.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding cache metadata: %w", err)
	}
	if err := WriteFileAtomic(filepath.Join(tmpDir, entryFile), data, 0o644); err != nil {
		return fmt.Errorf("writing cache metadata: %w", err)
	}

	// A crash between remove and rename yields a miss, not corruption.
	_ = os.RemoveAll(entryDir)
	if err := os.Rename(tmpDir, entryDir); err != nil {
		return fmt.Errorf("committing cache entry: %w", err)
	}
	committed = true
	return nil
}

// Clear removes every stored entry.
func (c *FileCache) Clear() error {
	if err := os.RemoveAll(c.CacheDir); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}

// entryPath shards entries by the first two hash characters.
func (c *FileCache) entryPath(hash TaskHash) string {
	s := string(hash)
	if len(s) < 2 {
		return filepath.Join(c.CacheDir, s)
	}
	return filepath.Join(c.CacheDir, s[:2], s)
}

// MemoryCache implements Cache in memory. Entries are deep-copied on the way
// in and out.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[TaskHash]*CacheEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[TaskHash]*CacheEntry)}
}

func (c *MemoryCache) Has(hash TaskHash) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[hash]
	return ok, nil
}

func (c *MemoryCache) Get(hash TaskHash) (*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[hash]
	if !ok {
		return nil, nil
	}
	return copyEntry(entry), nil
}

func (c *MemoryCache) Put(entry *CacheEntry) error {
	if entry == nil {
		return errors.New("cache entry is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Hash] = copyEntry(entry)
	return nil
}

// Len reports the number of stored entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func copyEntry(entry *CacheEntry) *CacheEntry {
	out := &CacheEntry{
		Hash:      entry.Hash,
		Roots:     append([]OutputRoot(nil), entry.Roots...),
		Artifacts: make([]CachedArtifact, len(entry.Artifacts)),
		Log:       append([]byte(nil), entry.Log...),
	}
	for i, a := range entry.Artifacts {
		out.Artifacts[i] = CachedArtifact{
			Path:    a.Path,
			Digest:  a.Digest,
			Content: append([]byte{}, a.Content...),
		}
	}
	return out
}
