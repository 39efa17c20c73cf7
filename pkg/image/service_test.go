package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crius/pkg/registry"
)

// testLayer counts blob downloads and optionally blocks them until gate is
// closed. started receives a value each time a download begins.
type testLayer struct {
	v1.Layer
	opens   *atomic.Int32
	gate    chan struct{}
	started chan struct{}
}

func (l testLayer) Compressed() (io.ReadCloser, error) {
	l.opens.Add(1)
	if l.started != nil {
		select {
		case l.started <- struct{}{}:
		default:
		}
	}
	if l.gate != nil {
		<-l.gate
	}
	return l.Layer.Compressed()
}

type fakeImage struct {
	digest string
	layers []v1.Layer
	err    error
}

type fakePuller struct {
	mu     sync.Mutex
	images map[string]fakeImage
	calls  map[string]int
}

func newFakePuller() *fakePuller {
	return &fakePuller{
		images: make(map[string]fakeImage),
		calls:  make(map[string]int),
	}
}

func (f *fakePuller) set(ref string, img fakeImage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = img
}

func (f *fakePuller) callCount(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ref]
}

func (f *fakePuller) Pull(ctx context.Context, ref string, auth registry.Auth) (*registry.Image, error) {
	f.mu.Lock()
	f.calls[ref]++
	img, ok := f.images[ref]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: manifest unknown for %s", registry.ErrRegistry, ref)
	}
	if img.err != nil {
		return nil, img.err
	}

	out := &registry.Image{Reference: ref, Digest: img.digest}
	for _, l := range img.layers {
		layer, err := registry.NewLayer(l)
		if err != nil {
			return nil, err
		}
		out.Layers = append(out.Layers, layer)
	}
	return out, nil
}

func testDigest(prefix string) string {
	return "sha256:" + prefix + zeros(64-len(prefix))
}

func staticLayers(contents ...string) []v1.Layer {
	var layers []v1.Layer
	for _, c := range contents {
		layers = append(layers, static.NewLayer([]byte(c), types.DockerLayer))
	}
	return layers
}

func newTestService(t *testing.T, opts ...Option) (*Service, *fakePuller, string) {
	t.Helper()
	storageRoot := t.TempDir()
	store, err := NewStore(storageRoot)
	require.NoError(t, err)
	puller := newFakePuller()
	return NewService(puller, store, opts...), puller, storageRoot
}

func TestService_Pull(t *testing.T) {
	svc, puller, storageRoot := newTestService(t)
	ctx := context.Background()

	ref := "library/test:latest"
	puller.set(ref, fakeImage{
		digest: "sha256:deadbeefcafef00d" + zeros(48),
		layers: staticLayers("layer zero", "layer one"),
	})

	id, err := svc.Pull(ctx, ref, registry.Auth{})
	require.NoError(t, err)
	assert.Equal(t, "sha256:deadbeefcafe", id)

	t.Run("layers are stored", func(t *testing.T) {
		dir := filepath.Join(storageRoot, "images", "sha256:deadbeefcafe")
		data, err := os.ReadFile(filepath.Join(dir, "0.tar.gz"))
		require.NoError(t, err)
		assert.Equal(t, "layer zero", string(data))
		assert.FileExists(t, filepath.Join(dir, "1.tar.gz"))
		assert.FileExists(t, filepath.Join(dir, metadataFile))
	})

	t.Run("status", func(t *testing.T) {
		rec, err := svc.Status(ref)
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)
		assert.Equal(t, []string{ref}, rec.RepoTags)
		assert.Equal(t, uint64(len("layer zero")+len("layer one")), rec.Size)
		assert.Len(t, rec.Layers, 2)

		rec, err = svc.Status("deadbeef")
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)
	})

	t.Run("list", func(t *testing.T) {
		list := svc.List()
		require.Len(t, list, 1)
		assert.Equal(t, id, list[0].ID)
	})

	t.Run("metrics", func(t *testing.T) {
		snap := svc.Metrics().Snapshot()
		assert.Equal(t, int64(1), snap.Pulls)
		assert.Equal(t, uint64(len("layer zero")+len("layer one")), snap.BytesPulled)
	})

	t.Run("reload", func(t *testing.T) {
		reloaded := NewService(puller, svc.Store())
		n, err := reloaded.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rec, err := reloaded.Status(ref)
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)
	})
}

func TestService_PullTwiceReusesStoredImage(t *testing.T) {
	svc, puller, _ := newTestService(t)
	ctx := context.Background()

	var opens atomic.Int32
	puller.set("app:latest", fakeImage{
		digest: testDigest("aaaa"),
		layers: []v1.Layer{testLayer{Layer: staticLayers("a")[0], opens: &opens}},
	})

	_, err := svc.Pull(ctx, "app:latest", registry.Auth{})
	require.NoError(t, err)
	_, err = svc.Pull(ctx, "app:latest", registry.Auth{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, 1, svc.Index().Len())
}

func TestService_PullInvalidReference(t *testing.T) {
	svc, puller, _ := newTestService(t)

	for _, ref := range []string{"", "  ", "Bad Ref!!"} {
		_, err := svc.Pull(context.Background(), ref, registry.Auth{})
		assert.ErrorIs(t, err, registry.ErrInvalidReference, ref)
		assert.Zero(t, puller.callCount(ref))
	}
	assert.Empty(t, svc.List())
}

func TestService_PullFailureLeavesNoTrace(t *testing.T) {
	t.Run("registry error", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		_, err := svc.Pull(context.Background(), "missing:latest", registry.Auth{})
		assert.ErrorIs(t, err, registry.ErrRegistry)

		assert.Empty(t, svc.List())
		records, err := svc.Store().LoadAll()
		require.NoError(t, err)
		assert.Empty(t, records)
		assert.Equal(t, int64(1), svc.Metrics().Snapshot().PullFailures)
	})

	t.Run("auth error", func(t *testing.T) {
		svc, puller, _ := newTestService(t)
		puller.set("private/app:1", fakeImage{err: fmt.Errorf("%w: denied", registry.ErrAuth)})

		_, err := svc.Pull(context.Background(), "private/app:1", registry.Auth{Username: "u", Password: "p"})
		assert.ErrorIs(t, err, registry.ErrAuth)
		assert.Empty(t, svc.List())
	})

	t.Run("layer error", func(t *testing.T) {
		svc, puller, _ := newTestService(t)
		puller.set("app:1", fakeImage{
			digest: testDigest("bbbb"),
			layers: []v1.Layer{brokenLayer{Layer: staticLayers("x")[0]}},
		})

		_, err := svc.Pull(context.Background(), "app:1", registry.Auth{})
		assert.ErrorIs(t, err, registry.ErrRegistry)
		assert.Empty(t, svc.List())
		assert.False(t, svc.Store().Exists("sha256:bbbb00000000"))
	})

	t.Run("malformed digest", func(t *testing.T) {
		svc, puller, _ := newTestService(t)
		puller.set("app:1", fakeImage{digest: "sha256:nothex", layers: staticLayers("x")})

		_, err := svc.Pull(context.Background(), "app:1", registry.Auth{})
		assert.ErrorIs(t, err, registry.ErrRegistry)
		assert.Empty(t, svc.List())
	})
}

type brokenLayer struct {
	v1.Layer
}

func (brokenLayer) Compressed() (io.ReadCloser, error) {
	return nil, errors.New("blob unknown")
}

func TestService_PullTimeout(t *testing.T) {
	svc, puller, _ := newTestService(t, WithPullTimeout(50*time.Millisecond))

	var opens atomic.Int32
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	puller.set("slow:latest", fakeImage{
		digest: testDigest("cccc"),
		layers: []v1.Layer{testLayer{Layer: staticLayers("x")[0], opens: &opens, gate: gate, started: started}},
	})

	_, err := svc.Pull(context.Background(), "slow:latest", registry.Auth{})
	assert.ErrorIs(t, err, registry.ErrRegistry)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, svc.List())

	// Let the abandoned download observe the deadline and clean up.
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download did not start")
	}
	close(gate)
	staging := filepath.Join(svc.Store().Root(), stagingDir)
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(staging)
		return err == nil && len(entries) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, svc.Store().Exists("sha256:cccc00000000"))
}

func TestService_ConcurrentPullsOfDistinctImages(t *testing.T) {
	svc, puller, _ := newTestService(t)

	var opensA, opensB atomic.Int32
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	puller.set("a:latest", fakeImage{
		digest: testDigest("aaaa"),
		layers: []v1.Layer{testLayer{Layer: staticLayers("a")[0], opens: &opensA, gate: gate, started: started}},
	})
	puller.set("b:latest", fakeImage{
		digest: testDigest("bbbb"),
		layers: []v1.Layer{testLayer{Layer: staticLayers("b")[0], opens: &opensB}},
	})

	errA := make(chan error, 1)
	go func() {
		_, err := svc.Pull(context.Background(), "a:latest", registry.Auth{})
		errA <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download of a:latest did not start")
	}

	// B completes while A is still blocked in its download.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := svc.Pull(ctx, "b:latest", registry.Auth{})
	require.NoError(t, err)
	assert.Equal(t, "sha256:bbbb00000000", id)

	_, err = svc.Status("a:latest")
	assert.ErrorIs(t, err, ErrNotFound)

	close(gate)
	select {
	case err := <-errA:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pull of a:latest did not finish")
	}
	assert.Equal(t, 2, svc.Index().Len())
}

func TestService_ConcurrentPullsOfSameImage(t *testing.T) {
	svc, puller, _ := newTestService(t)

	var opens atomic.Int32
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	digest := testDigest("dddd")
	refs := []string{"app:latest", "app:v1", "mirror/app:v1"}
	for _, ref := range refs {
		puller.set(ref, fakeImage{
			digest: digest,
			layers: []v1.Layer{testLayer{Layer: staticLayers("shared")[0], opens: &opens, gate: gate, started: started}},
		})
	}

	var wg sync.WaitGroup
	ids := make([]string, len(refs))
	errs := make([]error, len(refs))
	for i, ref := range refs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = svc.Pull(context.Background(), ref, registry.Auth{})
		}()
	}

	<-started
	require.Eventually(t, func() bool {
		for _, ref := range refs {
			if puller.callCount(ref) == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range refs {
		require.NoError(t, errs[i])
		assert.Equal(t, "sha256:dddd00000000", ids[i])
	}
	assert.Equal(t, int32(1), opens.Load())

	rec, err := svc.Status("sha256:dddd00000000")
	require.NoError(t, err)
	assert.ElementsMatch(t, refs, rec.RepoTags)

	stored, err := svc.Store().Load(rec.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, refs, stored.RepoTags)
}

func TestService_SharedPullSurvivesCancelledLeader(t *testing.T) {
	svc, puller, _ := newTestService(t)

	var opens atomic.Int32
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	for _, ref := range []string{"app:a", "app:b"} {
		puller.set(ref, fakeImage{
			digest: testDigest("eeee"),
			layers: []v1.Layer{testLayer{Layer: staticLayers("x")[0], opens: &opens, gate: gate, started: started}},
		})
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := svc.Pull(ctxA, "app:a", registry.Auth{})
		errA <- err
	}()
	<-started

	errB := make(chan error, 1)
	go func() {
		_, err := svc.Pull(context.Background(), "app:b", registry.Auth{})
		errB <- err
	}()
	require.Eventually(t, func() bool { return puller.callCount("app:b") > 0 }, 5*time.Second, time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(gate)
	require.NoError(t, <-errB)

	_, err := svc.Status("app:a")
	assert.ErrorIs(t, err, ErrNotFound)
	rec, err := svc.Status("app:b")
	require.NoError(t, err)
	assert.Equal(t, []string{"app:b"}, rec.RepoTags)
}

func TestService_PullMovesTag(t *testing.T) {
	svc, puller, _ := newTestService(t)
	ctx := context.Background()

	puller.set("app:latest", fakeImage{digest: testDigest("1111"), layers: staticLayers("v1")})
	oldID, err := svc.Pull(ctx, "app:latest", registry.Auth{})
	require.NoError(t, err)

	puller.set("app:latest", fakeImage{digest: testDigest("2222"), layers: staticLayers("v2")})
	newID, err := svc.Pull(ctx, "app:latest", registry.Auth{})
	require.NoError(t, err)
	require.NotEqual(t, oldID, newID)

	assert.False(t, svc.Store().Exists(oldID))
	assert.NoDirExists(t, svc.Store().Dir(oldID))

	rec, err := svc.Status("app:latest")
	require.NoError(t, err)
	assert.Equal(t, newID, rec.ID)
	assert.Equal(t, 1, svc.Index().Len())
}

func TestService_PullDetachesSharedTag(t *testing.T) {
	svc, puller, _ := newTestService(t)
	ctx := context.Background()

	puller.set("app:latest", fakeImage{digest: testDigest("1111"), layers: staticLayers("v1")})
	puller.set("app:v1", fakeImage{digest: testDigest("1111"), layers: staticLayers("v1")})
	oldID, err := svc.Pull(ctx, "app:latest", registry.Auth{})
	require.NoError(t, err)
	_, err = svc.Pull(ctx, "app:v1", registry.Auth{})
	require.NoError(t, err)

	puller.set("app:latest", fakeImage{digest: testDigest("2222"), layers: staticLayers("v2")})
	_, err = svc.Pull(ctx, "app:latest", registry.Auth{})
	require.NoError(t, err)

	stored, err := svc.Store().Load(oldID)
	require.NoError(t, err)
	assert.Equal(t, []string{"app:v1"}, stored.RepoTags)
	assert.Equal(t, 2, svc.Index().Len())
}

func TestService_Remove(t *testing.T) {
	setup := func(t *testing.T) (*Service, string) {
		svc, puller, _ := newTestService(t)
		ctx := context.Background()
		for _, ref := range []string{"app:latest", "app:v1"} {
			puller.set(ref, fakeImage{digest: testDigest("1111"), layers: staticLayers("x")})
		}
		id, err := svc.Pull(ctx, "app:latest", registry.Auth{})
		require.NoError(t, err)
		_, err = svc.Pull(ctx, "app:v1", registry.Auth{})
		require.NoError(t, err)
		return svc, id
	}

	t.Run("untag", func(t *testing.T) {
		svc, id := setup(t)
		require.NoError(t, svc.Remove(context.Background(), "app:latest"))

		assert.True(t, svc.Store().Exists(id))
		stored, err := svc.Store().Load(id)
		require.NoError(t, err)
		assert.Equal(t, []string{"app:v1"}, stored.RepoTags)

		_, err = svc.Status("app:latest")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("last tag deletes the image", func(t *testing.T) {
		svc, id := setup(t)
		ctx := context.Background()
		require.NoError(t, svc.Remove(ctx, "app:latest"))
		require.NoError(t, svc.Remove(ctx, "app:v1"))

		assert.NoDirExists(t, svc.Store().Dir(id))
		assert.Empty(t, svc.List())
	})

	t.Run("by id", func(t *testing.T) {
		svc, id := setup(t)
		require.NoError(t, svc.Remove(context.Background(), "1111"))

		assert.NoDirExists(t, svc.Store().Dir(id))
		assert.Empty(t, svc.List())
	})

	t.Run("unknown", func(t *testing.T) {
		svc, id := setup(t)
		err := svc.Remove(context.Background(), "other:latest")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, svc.Store().Exists(id))
		assert.Equal(t, 1, svc.Index().Len())
	})
}

func TestService_LoadSkipsUntaggedImages(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Store().Finalize(ctx, Record{ID: "sha256:111111111111", RepoTags: []string{"a:1"}}, []Blob{bytesBlob("a")})
	require.NoError(t, err)
	_, err = svc.Store().Finalize(ctx, Record{ID: "sha256:222222222222"}, []Blob{bytesBlob("b")})
	require.NoError(t, err)

	n, err := svc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Loading again does not duplicate anything.
	n, err = svc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec, err := svc.Status("a:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1"}, rec.RepoTags)
}

func TestService_FsInfo(t *testing.T) {
	svc, puller, _ := newTestService(t)
	puller.set("app:1", fakeImage{digest: testDigest("1111"), layers: staticLayers("0123456789")})
	_, err := svc.Pull(context.Background(), "app:1", registry.Auth{})
	require.NoError(t, err)

	usage, err := svc.FsInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, svc.Store().Root(), usage[0].Mountpoint)
	assert.GreaterOrEqual(t, usage[0].UsedBytes, uint64(10))
}

func TestService_LoadGivesTagToLastWrite(t *testing.T) {
	reload := func(t *testing.T, root string) *Service {
		t.Helper()
		store, err := NewStore(root)
		require.NoError(t, err)
		svc := NewService(newFakePuller(), store)
		_, err = svc.Load(context.Background())
		require.NoError(t, err)
		return svc
	}

	// A newer image was committed with the tag, then the process died before
	// the older image was rewritten.
	t.Run("older image keeps its other tags", func(t *testing.T) {
		svc, puller, root := newTestService(t)
		ctx := context.Background()

		puller.set("app:latest", fakeImage{digest: testDigest("ffff"), layers: staticLayers("old")})
		puller.set("app:stable", fakeImage{digest: testDigest("ffff"), layers: staticLayers("old")})
		oldID, err := svc.Pull(ctx, "app:latest", registry.Auth{})
		require.NoError(t, err)
		_, err = svc.Pull(ctx, "app:stable", registry.Auth{})
		require.NoError(t, err)

		newID := "sha256:111100000000"
		_, err = svc.Store().Finalize(ctx, Record{ID: newID, RepoTags: []string{"app:latest"}}, []Blob{bytesBlob("new")})
		require.NoError(t, err)

		restarted := reload(t, root)
		rec, err := restarted.Status("app:latest")
		require.NoError(t, err)
		assert.Equal(t, newID, rec.ID)
		rec, err = restarted.Status("app:stable")
		require.NoError(t, err)
		assert.Equal(t, oldID, rec.ID)
		assert.Equal(t, []string{"app:stable"}, rec.RepoTags)

		stored, err := restarted.Store().Load(oldID)
		require.NoError(t, err)
		assert.Equal(t, []string{"app:stable"}, stored.RepoTags)

		// The resolution is persisted, so it holds on the next start too.
		again := reload(t, root)
		rec, err = again.Status("app:latest")
		require.NoError(t, err)
		assert.Equal(t, newID, rec.ID)
	})

	t.Run("older image without other tags is deleted", func(t *testing.T) {
		svc, puller, root := newTestService(t)
		ctx := context.Background()

		puller.set("app:latest", fakeImage{digest: testDigest("ffff"), layers: staticLayers("old")})
		oldID, err := svc.Pull(ctx, "app:latest", registry.Auth{})
		require.NoError(t, err)

		newID := "sha256:111100000000"
		_, err = svc.Store().Finalize(ctx, Record{ID: newID, RepoTags: []string{"app:latest"}}, []Blob{bytesBlob("new")})
		require.NoError(t, err)

		restarted := reload(t, root)
		rec, err := restarted.Status("app:latest")
		require.NoError(t, err)
		assert.Equal(t, newID, rec.ID)
		assert.Equal(t, 1, restarted.Index().Len())
		assert.False(t, restarted.Store().Exists(oldID))
		assert.True(t, restarted.Store().Exists(newID))
	})
}

// hangingPuller blocks until the pull is abandoned and then fails the way
// the registry client does.
type hangingPuller struct{}

func (hangingPuller) Pull(ctx context.Context, ref string, auth registry.Auth) (*registry.Image, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %s: timed out: %w", registry.ErrRegistry, ref, ctx.Err())
}

func TestService_PullContextErrors(t *testing.T) {
	newService := func(t *testing.T, timeout time.Duration) *Service {
		t.Helper()
		store, err := NewStore(t.TempDir())
		require.NoError(t, err)
		return NewService(hangingPuller{}, store, WithPullTimeout(timeout))
	}

	t.Run("caller deadline", func(t *testing.T) {
		svc := newService(t, time.Minute)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := svc.Pull(ctx, "app:latest", registry.Auth{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, registry.ErrRegistry)
	})

	t.Run("caller cancel", func(t *testing.T) {
		svc := newService(t, time.Minute)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		_, err := svc.Pull(ctx, "app:latest", registry.Auth{})
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, registry.ErrRegistry)
	})

	t.Run("pull timeout", func(t *testing.T) {
		svc := newService(t, 50*time.Millisecond)

		_, err := svc.Pull(context.Background(), "app:latest", registry.Auth{})
		assert.ErrorIs(t, err, registry.ErrRegistry)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
