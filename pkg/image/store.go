package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/locker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"crius/pkg/registry"
)

const (
	metadataFile = "metadata.json"
	stagingDir   = ".staging"
	trashDir     = ".trash"

	dirMode  os.FileMode = 0755
	fileMode os.FileMode = 0644

	defaultLayerWriters = 4
)

// Blob is a layer stream to persist.
type Blob interface {
	Open() (io.ReadCloser, error)
}

// Store persists images under <storage_root>/images/<id>/. A directory is a
// valid image only when it contains metadata.json; new images are written
// to a staging directory and renamed into place in one step.
type Store struct {
	root    string
	locks   *locker.Locker
	writers int

	clockMu    sync.Mutex
	lastUpdate int64
}

// NewStore opens the image store below storageRoot.
func NewStore(storageRoot string) (*Store, error) {
	root := filepath.Join(storageRoot, "images")
	for _, dir := range []string{root, filepath.Join(root, stagingDir), filepath.Join(root, trashDir)} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return nil, fmt.Errorf("%w: failed to create image directory: %w", ErrStorage, err)
		}
	}
	return &Store{
		root:    root,
		locks:   locker.New(),
		writers: defaultLayerWriters,
	}, nil
}

// Root returns the images directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory of image id.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

// stamp returns a metadata write time later than any earlier one of s.
func (s *Store) stamp() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	now := time.Now().UnixNano()
	if now <= s.lastUpdate {
		now = s.lastUpdate + 1
	}
	s.lastUpdate = now
	return now
}

// Exists reports whether id is fully stored.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(filepath.Join(s.Dir(id), metadataFile))
	return err == nil
}

// Staged is an image whose layers and metadata are written but not yet
// visible in the store.
type Staged struct {
	store  *Store
	dir    string
	record Record
}

// Finalize writes the layers and metadata of rec and publishes them
// atomically as <id>/. rec.Size is computed from the written layers.
func (s *Store) Finalize(ctx context.Context, rec Record, blobs []Blob) (Record, error) {
	st, err := s.Stage(ctx, rec, blobs)
	if err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		st.Discard()
		return Record{}, err
	}
	return st.Commit()
}

// Stage writes blobs as <n>.tar.gz and then metadata.json into a fresh
// staging directory. Nothing is visible to LoadAll until Commit. The
// staging directory is removed on failure or cancellation.
func (s *Store) Stage(ctx context.Context, rec Record, blobs []Blob) (*Staged, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: empty image id", ErrStorage)
	}

	dir := filepath.Join(s.root, stagingDir, uuid.NewString())
	if err := os.Mkdir(dir, dirMode); err != nil {
		return nil, fmt.Errorf("%w: failed to create staging directory: %w", ErrStorage, err)
	}
	st := &Staged{store: s, dir: dir}

	sizes := make([]int64, len(blobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.writers)
	for i, b := range blobs {
		g.Go(func() error {
			n, err := writeBlob(gctx, filepath.Join(dir, layerFile(i)), b)
			sizes[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		st.Discard()
		return nil, err
	}

	rec = rec.clone()
	rec.Size = 0
	for _, n := range sizes {
		rec.Size += uint64(n)
	}
	rec.Updated = s.stamp()
	if err := writeJSON(filepath.Join(dir, metadataFile), rec); err != nil {
		st.Discard()
		return nil, err
	}
	if err := syncDir(dir); err != nil {
		st.Discard()
		return nil, err
	}

	st.record = rec
	return st, nil
}

// Commit renames the staging directory to <id>/, replacing an existing copy.
func (st *Staged) Commit() (Record, error) {
	s := st.store
	id := st.record.ID

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	final := s.Dir(id)
	var trash string
	if _, err := os.Stat(final); err == nil {
		trash = s.trashPath()
		if err := os.Rename(final, trash); err != nil {
			st.Discard()
			return Record{}, fmt.Errorf("%w: failed to replace %s: %w", ErrStorage, id, err)
		}
	} else if !os.IsNotExist(err) {
		st.Discard()
		return Record{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if err := os.Rename(st.dir, final); err != nil {
		if trash != "" {
			_ = os.Rename(trash, final)
		}
		st.Discard()
		return Record{}, fmt.Errorf("%w: failed to publish %s: %w", ErrStorage, id, err)
	}
	if trash != "" {
		if err := os.RemoveAll(trash); err != nil {
			logrus.WithError(err).WithField("id", id).Warn("Failed to remove replaced image")
		}
	}
	if err := syncDir(s.root); err != nil {
		logrus.WithError(err).WithField("id", id).Warn("Failed to sync images directory")
	}
	return st.record.clone(), nil
}

// Discard removes the staging directory.
func (st *Staged) Discard() {
	if err := os.RemoveAll(st.dir); err != nil {
		logrus.WithError(err).WithField("dir", st.dir).Warn("Failed to remove staging directory")
	}
}

// Load reads the metadata of a single stored image.
func (s *Store) Load(id string) (Record, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(id), metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("%w: %s has no %s", ErrNotFound, id, metadataFile)
		}
		return Record{}, fmt.Errorf("%w: failed to read metadata: %w", ErrStorage, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: failed to parse metadata of %s: %w", ErrStorage, id, err)
	}
	if rec.ID != id {
		return Record{}, fmt.Errorf("%w: metadata of %s names image %q", ErrStorage, id, rec.ID)
	}
	return rec, nil
}

// LoadAll returns every valid image in the store, oldest metadata write
// first. Directories without metadata.json or with unreadable metadata are
// logged and skipped.
func (s *Store) LoadAll() ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to read images directory: %w", ErrStorage, err)
	}

	var records []Record
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == stagingDir || name == trashDir {
			continue
		}

		rec, err := s.Load(name)
		if err != nil {
			logrus.WithError(err).WithField("dir", name).Warn("Skipping image directory")
			continue
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Updated < records[j].Updated
	})

	// Later writes must order after what is on disk even if the clock went back.
	if n := len(records); n > 0 {
		s.clockMu.Lock()
		s.lastUpdate = max(s.lastUpdate, records[n-1].Updated)
		s.clockMu.Unlock()
	}
	return records, nil
}

// CollectGarbage removes what interrupted pulls and deletes left in the
// staging and trash directories. It must not run while another process
// writes to the store.
func (s *Store) CollectGarbage() {
	for _, name := range []string{stagingDir, trashDir} {
		dir := filepath.Join(s.root, name)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
				logrus.WithError(err).WithField("dir", entry.Name()).Warn("Failed to remove leftover directory")
				continue
			}
			logrus.WithField("dir", filepath.Join(name, entry.Name())).Debug("Removed leftover directory")
		}
	}
}

// WriteTags atomically rewrites the tag set in the metadata of id.
func (s *Store) WriteTags(id string, tags []string) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	rec, err := s.Load(id)
	if err != nil {
		return err
	}
	rec.RepoTags = tags
	rec.Updated = s.stamp()
	return writeJSON(filepath.Join(s.Dir(id), metadataFile), rec)
}

// Delete removes image id. The directory disappears in a single rename
// before its contents are removed. Deleting a missing image is a no-op.
func (s *Store) Delete(id string) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	trash := s.trashPath()
	if err := os.Rename(s.Dir(id), trash); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: failed to delete %s: %w", ErrStorage, id, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		return fmt.Errorf("%w: failed to delete %s: %w", ErrStorage, id, err)
	}
	return nil
}

func (s *Store) trashPath() string {
	return filepath.Join(s.root, trashDir, uuid.NewString())
}

func layerFile(n int) string {
	return strconv.Itoa(n) + ".tar.gz"
}

func writeBlob(ctx context.Context, path string, b Blob) (int64, error) {
	rc, err := b.Open()
	if err != nil {
		return 0, storageError("failed to open layer", err)
	}
	defer rc.Close()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		return 0, storageError("failed to create layer file", err)
	}

	n, err := io.Copy(f, &contextReader{ctx: ctx, r: rc})
	if err != nil {
		f.Close()
		return n, storageError("failed to write layer", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return n, storageError("failed to sync layer", err)
	}
	if err := f.Close(); err != nil {
		return n, storageError("failed to close layer", err)
	}
	return n, nil
}

// writeJSON replaces path with the JSON encoding of v through a temporary
// file in the same directory.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal metadata: %w", ErrStorage, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("%w: failed to write metadata: %w", ErrStorage, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to write metadata: %w", ErrStorage, err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to write metadata: %w", ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to sync metadata: %w", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to write metadata: %w", ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: failed to replace metadata: %w", ErrStorage, err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync %s: %w", ErrStorage, dir, err)
	}
	return nil
}

// storageError wraps err as ErrStorage unless it already came from the
// registry or from the context.
func storageError(what string, err error) error {
	switch {
	case errors.Is(err, registry.ErrRegistry),
		errors.Is(err, registry.ErrAuth),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, what, err)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
