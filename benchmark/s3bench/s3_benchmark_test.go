package s3bench

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Octogonapus/ClusterBenchmark/benchmark"
	objectprovider "github.com/Octogonapus/ClusterBenchmark/object_provider"
	"github.com/Octogonapus/ClusterBenchmark/report"
	"github.com/Octogonapus/ClusterBenchmark/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	bucket   string
	objects  []*objectprovider.ObjectSpec
	calls    []string
	setUpErr error
	readErr  error
}

func (p *fakeProvider) SetUp() error                                  { p.calls = append(p.calls, "SetUp"); return p.setUpErr }
func (p *fakeProvider) MakeObjects() error                            { p.calls = append(p.calls, "MakeObjects"); return nil }
func (p *fakeProvider) ReadObjects() error                            { p.calls = append(p.calls, "ReadObjects"); return p.readErr }
func (p *fakeProvider) DeleteObjects() error                          { p.calls = append(p.calls, "DeleteObjects"); return nil }
func (p *fakeProvider) TearDown() error                               { p.calls = append(p.calls, "TearDown"); return nil }
func (p *fakeProvider) SetObjects(objects []*objectprovider.ObjectSpec) { p.objects = objects }
func (p *fakeProvider) GetObjects() []*objectprovider.ObjectSpec      { return p.objects }
func (p *fakeProvider) GetBucket() string                             { return p.bucket }

type existingCluster struct{}

func (existingCluster) Initialize() error      { return errors.New("must not be called") }
func (existingCluster) Cleanup() error         { return errors.New("must not be called") }
func (existingCluster) Head() target.Target    { return nil }
func (existingCluster) Nodes() []target.Target { return nil }
func (existingCluster) UseExisting() bool      { return true }
func (existingCluster) GetName() string        { return "rgw" }

type freshCluster struct {
	inits    int
	cleanups int
}

func (c *freshCluster) Initialize() error      { c.inits++; return nil }
func (c *freshCluster) Cleanup() error         { c.cleanups++; return nil }
func (c *freshCluster) Head() target.Target    { return nil }
func (c *freshCluster) Nodes() []target.Target { return nil }
func (c *freshCluster) UseExisting() bool      { return false }
func (c *freshCluster) GetName() string        { return "rgw" }

func withFakeProvider(t *testing.T) map[string]*fakeProvider {
	t.Helper()
	providers := map[string]*fakeProvider{}
	orig := newObjectProvider
	newObjectProvider = func(input *S3BenchmarkInput) (objectprovider.ObjectProvider, error) {
		p := &fakeProvider{bucket: input.Bucket}
		providers[input.Bucket] = p
		return p, nil
	}
	t.Cleanup(func() { newObjectProvider = orig })
	return providers
}

func getAll(t *testing.T, archive string, config map[string]any) []benchmark.Benchmark {
	t.Helper()
	bs, err := benchmark.NewFactory(&benchmark.FactoryInput{
		Benchmarks: map[string]map[string]any{Type: config},
		ArchiveDir: archive,
	}).GetAll(existingCluster{}, 1)
	require.NoError(t, err)
	return bs
}

func TestLifecycle(t *testing.T) {
	providers := withFakeProvider(t)
	archive := t.TempDir()
	bs := getAll(t, archive, map[string]any{
		"name":         "small-objects",
		"endpoint":     "http://rgw:8080",
		"bucket":       "bench",
		"object_count": 3,
		"object_size":  "1024",
		"runs":         2,
	})
	require.Len(t, bs, 1)
	b := bs[0]
	p := providers["bench"]
	assert.Equal(t, benchmark.ClassID("s3:bench"), b.GetClass())

	require.NoError(t, b.Initialize())
	require.NoError(t, b.Run())
	require.NoError(t, b.Cleanup())
	assert.Equal(t, []string{"SetUp", "MakeObjects", "ReadObjects", "MakeObjects", "ReadObjects", "DeleteObjects", "TearDown"}, p.calls)

	require.Len(t, p.objects, 3)
	assert.Equal(t, "small-objects/00000001/00000000", p.objects[0].Key)
	assert.Equal(t, 1024, p.objects[2].SizeBytes)

	matches, err := filepath.Glob(filepath.Join(archive, "results", "00000001", Type, "id*", report.FileName))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	rep, err := report.Load(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "s3:bench", rep.Class)
	assert.Len(t, rep.PhaseTimeSec["write"], 2)
	assert.Len(t, rep.PhaseTimeSec["read"], 2)
	assert.Len(t, rep.TotalTimeSec, 2)

	exists, err := b.Exists()
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBucketsAreSeparateClasses(t *testing.T) {
	withFakeProvider(t)
	bs := getAll(t, t.TempDir(), map[string]any{"bucket": []any{"a", "b"}, "object_count": 1})
	require.Len(t, bs, 2)
	assert.Equal(t, benchmark.ClassID("s3:a"), bs[0].GetClass())
	assert.Equal(t, benchmark.ClassID("s3:b"), bs[1].GetClass())
}

func TestObjectsFile(t *testing.T) {
	providers := withFakeProvider(t)
	objects := filepath.Join(t.TempDir(), "objects.csv")
	require.NoError(t, os.WriteFile(objects, []byte("a,1\nb,2\n"), 0644))
	bs := getAll(t, t.TempDir(), map[string]any{"bucket": "bench", "objects_file": objects})

	require.NoError(t, bs[0].Run())
	require.Len(t, providers["bench"].objects, 2)
	assert.Equal(t, "b", providers["bench"].objects[1].Key)
}

func TestReadFailure(t *testing.T) {
	providers := withFakeProvider(t)
	archive := t.TempDir()
	bs := getAll(t, archive, map[string]any{"bucket": "bench", "object_count": 1})
	providers["bench"].readErr = errors.New("503 SlowDown")

	err := bs[0].Run()
	assert.ErrorContains(t, err, "503 SlowDown")
	exists, err := bs[0].Exists()
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, []string{"MakeObjects", "ReadObjects"}, providers["bench"].calls)
}

func TestInvalidSettings(t *testing.T) {
	withFakeProvider(t)
	_, err := benchmark.NewFactory(&benchmark.FactoryInput{
		Benchmarks: map[string]map[string]any{Type: {"object_count": 1}},
	}).GetAll(existingCluster{}, 0)
	assert.ErrorContains(t, err, "needs a bucket")

	_, err = benchmark.NewFactory(&benchmark.FactoryInput{
		Benchmarks: map[string]map[string]any{Type: {"bucket": "bench"}},
	}).GetAll(existingCluster{}, 0)
	assert.ErrorContains(t, err, "positive object_count")
}

func TestFailedBucketSetUpCleansUpCluster(t *testing.T) {
	providers := withFakeProvider(t)
	c := &freshCluster{}
	bs, err := benchmark.NewFactory(&benchmark.FactoryInput{
		Benchmarks: map[string]map[string]any{Type: {"bucket": "bench", "object_count": 1, "object_size": 1}},
		ArchiveDir: t.TempDir(),
	}).GetAll(c, 0)
	require.NoError(t, err)
	require.Len(t, bs, 1)
	providers["bench"].setUpErr = errors.New("BucketAlreadyOwnedByYou")

	err = bs[0].Initialize()
	assert.ErrorContains(t, err, "BucketAlreadyOwnedByYou")
	assert.Equal(t, 1, c.inits)
	assert.Equal(t, 1, c.cleanups)
	assert.Equal(t, []string{"SetUp"}, providers["bench"].calls)
}
