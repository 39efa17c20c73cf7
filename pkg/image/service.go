package image

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"crius/pkg/metrics"
	"crius/pkg/registry"
)

const defaultMaxConcurrentDownloads = 3

// Puller resolves an image reference in a remote registry.
type Puller interface {
	Pull(ctx context.Context, ref string, auth registry.Auth) (*registry.Image, error)
}

// Service manages local images: it pulls them through a Puller, persists
// them in a Store and answers queries from an in-memory Index.
//
// Reads only touch the index. Pulls of distinct images run concurrently;
// concurrent pulls resolving to the same image id share one download.
type Service struct {
	client      Puller
	store       *Store
	index       *Index
	metrics     *metrics.Metrics
	pullTimeout time.Duration
	downloads   *semaphore.Weighted

	pulls singleflight.Group

	// mu orders index mutations with the metadata writes that mirror them.
	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithPullTimeout bounds the duration of a whole pull. Zero disables it.
func WithPullTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.pullTimeout = d
	}
}

// WithMaxConcurrentDownloads bounds the number of images downloaded at once.
func WithMaxConcurrentDownloads(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.downloads = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMetrics records pulls in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates an image service with an empty index. Call Load
// before serving queries.
func NewService(client Puller, store *Store, opts ...Option) *Service {
	s := &Service{
		client:    client,
		store:     store,
		index:     NewIndex(),
		metrics:   metrics.NewMetrics(),
		downloads: semaphore.NewWeighted(defaultMaxConcurrentDownloads),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Index returns the index served by s.
func (s *Service) Index() *Index {
	return s.index
}

// Store returns the backing store.
func (s *Service) Store() *Store {
	return s.store
}

// Load rebuilds the index from the store and returns the number of images.
// Unreadable image directories are skipped. A tag claimed by several stored
// images goes to the one written last; the others are rewritten without it,
// and deleted when it was their last tag.
func (s *Service) Load(ctx context.Context) (int, error) {
	timer := metrics.NewTimer("LoadImages")
	defer timer.Stop()

	records, err := s.store.LoadAll()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	detached := make(map[string]Record)
	var orphaned []Record
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if len(rec.RepoTags) == 0 {
			logrus.WithField("id", rec.ID).Warn("Skipping image without tags")
			continue
		}
		for _, tag := range rec.RepoTags {
			ch := s.index.Insert(tag, rec)
			for _, other := range append(ch.Detached, ch.Orphaned...) {
				logrus.WithFields(logrus.Fields{
					"tag": tag,
					"id":  rec.ID,
				}).Warnf("Tag moved from older image %s", other.ID)
			}
			for _, d := range ch.Detached {
				detached[d.ID] = d
			}
			for _, o := range ch.Orphaned {
				delete(detached, o.ID)
				orphaned = append(orphaned, o)
			}
		}
	}

	for id, d := range detached {
		if err := s.store.WriteTags(id, d.RepoTags); err != nil {
			logrus.WithError(err).WithField("id", id).Warn("Failed to update image metadata")
		}
	}
	for _, o := range orphaned {
		if err := s.store.Delete(o.ID); err != nil {
			logrus.WithError(err).WithField("id", o.ID).Warn("Failed to delete untagged image")
			continue
		}
		logrus.WithField("id", o.ID).Info("Deleted image that lost its last tag")
	}

	n := s.index.Len()
	logrus.WithField("images", n).Info("Loaded local images")
	return n, nil
}

// List returns all images.
func (s *Service) List() []Record {
	return s.index.List()
}

// Status resolves ref as a tag, then as an id prefix.
func (s *Service) Status(ref string) (Record, error) {
	return s.index.Lookup(ref)
}

// Pull fetches ref from its registry, stores it and tags it with ref. It
// returns the image id. On failure the index is unchanged and no partial
// image is visible in the store.
func (s *Service) Pull(ctx context.Context, ref string, auth registry.Auth) (id string, err error) {
	timer := metrics.NewTimer(fmt.Sprintf("PullImage(%s)", ref))
	var size uint64
	defer func() {
		s.metrics.RecordPull(timer.Name(), timer.Stop(), size, err)
	}()

	if _, err := registry.ParseReference(ref); err != nil {
		return "", err
	}

	parent := ctx
	if s.pullTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.pullTimeout)
		defer cancel()
	}

	log := logrus.WithField("ref", ref)
	log.Info("Pulling image")

	rec, err := s.fetch(ctx, ref, auth)
	if err != nil {
		err = callerContextError(parent, ref, err)
		log.WithError(err).Warn("Failed to pull image")
		return "", err
	}

	tagged, err := s.tag(ref, rec)
	if err == nil && !tagged {
		// Removed between commit and tagging; fetch it once more.
		if rec, err = s.fetch(ctx, ref, auth); err == nil {
			if tagged, err = s.tag(ref, rec); err == nil && !tagged {
				err = fmt.Errorf("%w: %s was removed while being pulled", ErrStorage, rec.ID)
			}
		}
	}
	if err != nil {
		err = callerContextError(parent, ref, err)
		log.WithError(err).Warn("Failed to pull image")
		return "", err
	}

	size = rec.Size
	log.WithFields(logrus.Fields{
		"id":   rec.ID,
		"size": units.HumanSize(float64(rec.Size)),
	}).Info("Image pulled")
	return rec.ID, nil
}

// fetch resolves ref and makes sure its image is in the store.
func (s *Service) fetch(ctx context.Context, ref string, auth registry.Auth) (Record, error) {
	img, err := s.client.Pull(ctx, ref, auth)
	if err != nil {
		return Record{}, err
	}
	id, err := DeriveID(img.Digest)
	if err != nil {
		return Record{}, err
	}

	for {
		ch := s.pulls.DoChan(id, func() (any, error) {
			return s.download(ctx, id, img)
		})

		select {
		case <-ctx.Done():
			return Record{}, pullContextError(ref, ctx.Err())
		case res := <-ch:
			if res.Err != nil {
				// The caller that started the shared download gave up.
				if res.Shared && isContextError(res.Err) && ctx.Err() == nil {
					continue
				}
				return Record{}, res.Err
			}
			return res.Val.(Record), nil
		}
	}
}

func (s *Service) download(ctx context.Context, id string, img *registry.Image) (Record, error) {
	log := logrus.WithFields(logrus.Fields{
		"ref": img.Reference,
		"id":  id,
	})

	if s.store.Exists(id) {
		rec, err := s.store.Load(id)
		if err == nil {
			log.Debug("Image already stored")
			return rec, nil
		}
		log.WithError(err).Warn("Stored image is unreadable, pulling it again")
	}

	if err := s.downloads.Acquire(ctx, 1); err != nil {
		return Record{}, pullContextError(img.Reference, err)
	}
	defer s.downloads.Release(1)

	rec := Record{
		ID:       id,
		RepoTags: []string{img.Reference},
		Digest:   img.Digest,
		Layers:   make([]string, 0, len(img.Layers)),
	}
	blobs := make([]Blob, 0, len(img.Layers))
	for _, l := range img.Layers {
		rec.Layers = append(rec.Layers, l.Digest)
		blobs = append(blobs, l)
	}

	log.WithFields(logrus.Fields{
		"layers": len(blobs),
		"size":   units.HumanSize(float64(img.Size())),
	}).Debug("Downloading layers")

	staged, err := s.store.Stage(ctx, rec, blobs)
	if err != nil {
		if isContextError(err) {
			err = pullContextError(img.Reference, err)
		}
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		staged.Discard()
		return Record{}, pullContextError(img.Reference, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return staged.Commit()
}

// tag points ref at rec. It reports false when rec is no longer stored.
// The metadata is written before the index changes so a failed write
// leaves the index untouched.
func (s *Service) tag(ref string, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.store.Exists(rec.ID) {
		return false, nil
	}

	var tags []string
	if current, ok := s.index.Get(rec.ID); ok {
		tags = current.RepoTags
	}
	if !slices.Contains(tags, ref) {
		tags = append(tags, ref)
	}
	if err := s.store.WriteTags(rec.ID, tags); err != nil {
		return false, err
	}

	ch := s.index.Insert(ref, rec)
	for _, d := range ch.Detached {
		if err := s.store.WriteTags(d.ID, d.RepoTags); err != nil {
			logrus.WithError(err).WithField("id", d.ID).Warn("Failed to update image metadata")
		}
	}
	for _, o := range ch.Orphaned {
		if err := s.store.Delete(o.ID); err != nil {
			logrus.WithError(err).WithField("id", o.ID).Warn("Failed to delete untagged image")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"id":  o.ID,
			"tag": ref,
		}).Info("Deleted image that lost its last tag")
	}
	return true, nil
}

// Remove removes ref from the index. When the image loses its last tag, or
// ref names the image by id, its storage is deleted as well.
func (s *Service) Remove(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removal, err := s.index.Remove(ref)
	if err != nil {
		return err
	}

	log := logrus.WithFields(logrus.Fields{
		"ref": ref,
		"id":  removal.Record.ID,
	})
	if !removal.Gone {
		log.Info("Untagged image")
		return s.store.WriteTags(removal.Record.ID, removal.Record.RepoTags)
	}
	if err := s.store.Delete(removal.Record.ID); err != nil {
		return err
	}
	log.Info("Removed image")
	return nil
}

// FsInfo reports the filesystem usage of the image store. All images share
// one mount, so a single aggregate entry is returned.
func (s *Service) FsInfo(ctx context.Context) ([]FsUsage, error) {
	usage, err := s.store.Usage(ctx)
	if err != nil {
		return nil, err
	}
	return []FsUsage{usage}, nil
}

// Metrics returns the pull counters.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// pullContextError reports an expired pull deadline as a registry failure.
// Cancellation is returned as is.
func pullContextError(ref string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: pull of %s timed out: %w", registry.ErrRegistry, ref, err)
	}
	return err
}

// callerContextError returns the caller's own context error when the caller
// gave up on the pull, whatever the collaborator that noticed it made of it.
// Only an expired pull timeout stays a registry failure.
func callerContextError(parent context.Context, ref string, err error) error {
	if cerr := parent.Err(); cerr != nil {
		return fmt.Errorf("pull of %s: %w", ref, cerr)
	}
	return err
}
