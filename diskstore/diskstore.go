// Package diskstore is a filesystem Backend for the surfcache content store.
//
// Layout under the root directory:
//
//	objects/<hh>/<hash>.obj   blob wrapped in a self-describing envelope
//	refs/<hh>/<fingerprint>   content hash the fingerprint resolves to
//	index.msgpack             index snapshot (sizes and access times)
//
// Refs are the embedded index: when index.msgpack is missing or unreadable the
// index is rebuilt from them by rehashing every referenced object.
package diskstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/vmihailenco/msgpack/v5"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/surfcache"
	"github.com/unkn0wn-root/surfcache/internal/util"
	"github.com/unkn0wn-root/surfcache/internal/wire"
)

const (
	objectsDir = "objects"
	refsDir    = "refs"
	indexFile  = "index.msgpack"
	objectExt  = ".obj"

	indexVersion = 1

	dirPerm = 0o755
)

var (
	ErrBadKey        = zerr.New("invalid store key")
	ErrReadFailed    = zerr.New("failed to read from store")
	ErrWriteFailed   = zerr.New("failed to write to store")
	ErrDeleteFailed  = zerr.New("failed to delete from store")
	ErrRebuildFailed = zerr.New("failed to rebuild index")
)

// Options configure a Store. Only Root is required.
type Options struct {
	Root           string
	Logger         surfcache.Logger // if nil, NopLogger is used
	RebuildWorkers int              // parallel rehash during rebuild; 0 => NumCPU
}

// Store implements surfcache.Backend on a local directory.
type Store struct {
	root    string
	log     surfcache.Logger
	workers int

	indexMu sync.Mutex
}

var _ surfcache.Backend = (*Store)(nil)

// Open prepares root for use, creating the directory layout if needed.
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("diskstore: root is required")
	}
	s := &Store{
		root:    opts.Root,
		log:     opts.Logger,
		workers: opts.RebuildWorkers,
	}
	if s.log == nil {
		s.log = surfcache.NopLogger{}
	}
	if s.workers <= 0 {
		s.workers = runtime.NumCPU()
	}
	for _, dir := range []string{s.objectsPath(), s.refsPath()} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, zerr.With(zerr.Wrap(err, ErrWriteFailed.Error()), "path", dir)
		}
	}
	return s, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) objectsPath() string { return filepath.Join(s.root, objectsDir) }
func (s *Store) refsPath() string    { return filepath.Join(s.root, refsDir) }
func (s *Store) indexPath() string   { return filepath.Join(s.root, indexFile) }

func (s *Store) objectFile(hash string) (string, error) {
	if !util.IsHexKey(hash, sha256.Size) {
		return "", zerr.With(ErrBadKey, "hash", hash)
	}
	return util.ShardPath(s.objectsPath(), hash, objectExt)
}

func (s *Store) refFile(fingerprint string) (string, error) {
	if !util.IsHexKey(fingerprint, sha256.Size) {
		return "", zerr.With(ErrBadKey, "fingerprint", fingerprint)
	}
	return util.ShardPath(s.refsPath(), fingerprint, "")
}

// ReadObject returns the verified payload stored under hash. An object whose
// envelope does not decode or whose payload does not hash back to its name is
// deleted and reported as surfcache.ErrCorrupt.
func (s *Store) ReadObject(_ context.Context, hash string) ([]byte, bool, error) {
	path, err := s.objectFile(hash)
	if err != nil {
		return nil, false, err
	}
	//nolint:gosec // path is built from a validated hex key
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, zerr.With(zerr.Wrap(err, ErrReadFailed.Error()), "path", path)
	}

	payload, reason := verify(hash, raw)
	if reason != "" {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.log.Warn("failed to remove corrupt object", surfcache.Fields{"path": path, "err": rmErr})
		}
		return nil, false, fmt.Errorf("%w: %s: %s", surfcache.ErrCorrupt, hash, reason)
	}
	return payload, true, nil
}

// verify checks raw against the hash it is stored under and returns the
// payload, or a non-empty reason when it does not match.
func verify(hash string, raw []byte) ([]byte, string) {
	want, err := hex.DecodeString(hash)
	if err != nil {
		return nil, "bad name"
	}
	header, payload, err := wire.DecodeObject(raw)
	if err != nil {
		return nil, "envelope"
	}
	if !bytes.Equal(header, want) {
		return nil, "header hash mismatch"
	}
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], want) {
		return nil, "content hash mismatch"
	}
	return payload, ""
}

// WriteObject stores payload under hash. Objects are immutable, so an existing
// file is left alone.
func (s *Store) WriteObject(_ context.Context, hash string, payload []byte) error {
	path, err := s.objectFile(hash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	head, err := hex.DecodeString(hash)
	if err != nil {
		return zerr.With(ErrBadKey, "hash", hash)
	}
	return s.writeFile(path, wire.EncodeObject(head, payload))
}

func (s *Store) DeleteObject(_ context.Context, hash string) error {
	path, err := s.objectFile(hash)
	if err != nil {
		return err
	}
	return removeFile(path)
}

func (s *Store) PutRef(_ context.Context, fingerprint, hash string) error {
	if !util.IsHexKey(hash, sha256.Size) {
		return zerr.With(ErrBadKey, "hash", hash)
	}
	path, err := s.refFile(fingerprint)
	if err != nil {
		return err
	}
	return s.writeFile(path, []byte(hash))
}

func (s *Store) DeleteRef(_ context.Context, fingerprint string) error {
	path, err := s.refFile(fingerprint)
	if err != nil {
		return err
	}
	return removeFile(path)
}

type indexDoc struct {
	Version int                     `msgpack:"v"`
	SavedAt time.Time               `msgpack:"saved_at"`
	Records []surfcache.IndexRecord `msgpack:"records"`
}

// LoadIndex reads index.msgpack, falling back to Rebuild when it is missing or
// does not decode. A readable index is reconciled with refs, which are written
// on every bind and so may be newer than the last saved index.
func (s *Store) LoadIndex(ctx context.Context) ([]surfcache.IndexRecord, error) {
	s.indexMu.Lock()
	//nolint:gosec // fixed file under the store root
	raw, err := os.ReadFile(s.indexPath())
	s.indexMu.Unlock()

	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.log.Info("no index found, rebuilding", surfcache.Fields{"root": s.root})
		return s.Rebuild(ctx)
	case err != nil:
		return nil, zerr.With(zerr.Wrap(err, ErrReadFailed.Error()), "path", s.indexPath())
	}

	var doc indexDoc
	if err := msgpack.Unmarshal(raw, &doc); err != nil || doc.Version != indexVersion {
		s.log.Warn("unreadable index, rebuilding", surfcache.Fields{"root": s.root, "err": err, "version": doc.Version})
		return s.Rebuild(ctx)
	}
	return s.reconcile(ctx, doc.Records)
}

// reconcile makes saved records agree with refs. Records whose ref still
// points at the same hash are kept as saved; refs the index does not know (or
// knows with another hash) are verified against their object and added; records
// without a ref are dropped. Objects no ref points to are removed.
func (s *Store) reconcile(ctx context.Context, saved []surfcache.IndexRecord) ([]surfcache.IndexRecord, error) {
	refs, err := s.scanRefs()
	if err != nil {
		return nil, err
	}
	byFP := make(map[string]surfcache.IndexRecord, len(saved))
	for _, r := range saved {
		byFP[r.Fingerprint] = r
	}

	unknown := make(map[string]*objectInfo)
	for _, r := range refs {
		if rec, ok := byFP[r.fingerprint]; ok && rec.Hash == r.hash {
			continue
		}
		unknown[r.hash] = &objectInfo{}
	}
	if err := s.rehash(ctx, unknown); err != nil {
		return nil, err
	}

	keep := make(map[string]*objectInfo, len(refs))
	records := make([]surfcache.IndexRecord, 0, len(refs))
	added, dropped := 0, 0
	for _, r := range refs {
		if rec, ok := byFP[r.fingerprint]; ok && rec.Hash == r.hash {
			records = append(records, rec)
			keep[r.hash] = &objectInfo{ok: true}
			continue
		}
		info := unknown[r.hash]
		if !info.ok {
			_ = removeFile(r.path)
			dropped++
			continue
		}
		records = append(records, surfcache.IndexRecord{
			Fingerprint: r.fingerprint,
			Hash:        r.hash,
			Size:        info.size,
			AccessedAt:  info.modTime,
		})
		keep[r.hash] = info
		added++
	}
	dropped += len(saved) - (len(records) - added)
	orphans := s.pruneOrphans(keep)
	if added == 0 && dropped == 0 && orphans == 0 {
		return saved, nil
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Fingerprint < records[j].Fingerprint })
	if err := s.SaveIndex(ctx, records); err != nil {
		return nil, err
	}
	s.log.Info("index reconciled with refs", surfcache.Fields{
		"root":    s.root,
		"entries": len(records),
		"added":   added,
		"dropped": dropped,
		"orphans": orphans,
	})
	return records, nil
}

func (s *Store) SaveIndex(_ context.Context, records []surfcache.IndexRecord) error {
	raw, err := msgpack.Marshal(indexDoc{Version: indexVersion, SavedAt: time.Now().UTC(), Records: records})
	if err != nil {
		return zerr.Wrap(err, ErrWriteFailed.Error())
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.writeFile(s.indexPath(), raw)
}

type refEntry struct {
	fingerprint string
	hash        string
	path        string
}

type objectInfo struct {
	size    int64
	modTime time.Time
	ok      bool
}

// Rebuild reconstructs the index from refs by rehashing every referenced
// object. Refs to missing or corrupt objects are removed, as are objects no ref
// points to. The rebuilt index is saved before it is returned.
func (s *Store) Rebuild(ctx context.Context) ([]surfcache.IndexRecord, error) {
	started := time.Now()
	refs, err := s.scanRefs()
	if err != nil {
		return nil, err
	}

	hashes := make(map[string]*objectInfo, len(refs))
	for _, r := range refs {
		if _, ok := hashes[r.hash]; !ok {
			hashes[r.hash] = &objectInfo{}
		}
	}

	if err := s.rehash(ctx, hashes); err != nil {
		return nil, err
	}

	records := make([]surfcache.IndexRecord, 0, len(refs))
	for _, r := range refs {
		info := hashes[r.hash]
		if !info.ok {
			_ = removeFile(r.path)
			continue
		}
		records = append(records, surfcache.IndexRecord{
			Fingerprint: r.fingerprint,
			Hash:        r.hash,
			Size:        info.size,
			AccessedAt:  info.modTime,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Fingerprint < records[j].Fingerprint })

	orphans := s.pruneOrphans(hashes)
	if err := s.SaveIndex(ctx, records); err != nil {
		return nil, err
	}
	s.log.Info("index rebuilt", surfcache.Fields{
		"root":    s.root,
		"entries": len(records),
		"blobs":   len(hashes),
		"orphans": orphans,
		"elapsed": time.Since(started),
	})
	return records, nil
}

// rehash verifies every object in hashes in parallel and fills in its info.
// Missing objects stay !ok; corrupt ones are deleted and stay !ok.
func (s *Store) rehash(ctx context.Context, hashes map[string]*objectInfo) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for hash, info := range hashes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path, err := s.objectFile(hash)
			if err != nil {
				return nil
			}
			//nolint:gosec // path is built from a validated hex key
			raw, err := os.ReadFile(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return zerr.With(zerr.Wrap(err, ErrRebuildFailed.Error()), "path", path)
			}
			payload, reason := verify(hash, raw)
			if reason != "" {
				s.log.Warn("dropping corrupt object", surfcache.Fields{"hash": hash, "reason": reason})
				_ = removeFile(path)
				return nil
			}
			st, err := os.Stat(path)
			if err != nil {
				return nil
			}
			info.size = int64(len(payload))
			info.modTime = st.ModTime()
			info.ok = true
			return nil
		})
	}
	return g.Wait()
}

func (s *Store) scanRefs() ([]refEntry, error) {
	var refs []refEntry
	err := filepath.WalkDir(s.refsPath(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fp := d.Name()
		if !util.IsHexKey(fp, sha256.Size) {
			return nil
		}
		//nolint:gosec // path comes from walking the store root
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hash := strings.TrimSpace(string(raw))
		if !util.IsHexKey(hash, sha256.Size) {
			s.log.Warn("dropping malformed ref", surfcache.Fields{"path": path})
			_ = removeFile(path)
			return nil
		}
		refs = append(refs, refEntry{fingerprint: fp, hash: hash, path: path})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, zerr.With(zerr.Wrap(err, ErrRebuildFailed.Error()), "path", s.refsPath())
	}
	return refs, nil
}

// pruneOrphans deletes object files whose hash is not in keep.
func (s *Store) pruneOrphans(keep map[string]*objectInfo) int {
	n := 0
	_ = filepath.WalkDir(s.objectsPath(), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		hash := strings.TrimSuffix(d.Name(), objectExt)
		if info, ok := keep[hash]; ok && info.ok {
			return nil
		}
		if removeFile(path) == nil {
			n++
		}
		return nil
	})
	return n
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, ErrWriteFailed.Error()), "path", path)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return zerr.With(zerr.Wrap(err, ErrWriteFailed.Error()), "path", path)
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return zerr.With(zerr.Wrap(err, ErrDeleteFailed.Error()), "path", path)
	}
	return nil
}
