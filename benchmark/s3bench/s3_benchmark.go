// Package s3bench implements a benchmark which writes then reads a set of objects through the cluster's S3 gateway.
package s3bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Octogonapus/ClusterBenchmark/benchmark"
	objectprovider "github.com/Octogonapus/ClusterBenchmark/object_provider"
	"github.com/Octogonapus/ClusterBenchmark/report"
	"github.com/Octogonapus/ClusterBenchmark/settings"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

const Type = "s3"

type S3BenchmarkInput struct {
	Name      string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"`
	// Either a CSV of "key,size" records or a generated set of equally sized objects.
	ObjectsFile         string `mapstructure:"objects_file"`
	ObjectCount         int    `mapstructure:"object_count"`
	ObjectSize          int    `mapstructure:"object_size"`
	UploadConcurrency   int    `mapstructure:"upload_concurrency"`
	DownloadConcurrency int    `mapstructure:"download_concurrency"`
	Runs                int
}

type bmark struct {
	*benchmark.Base
	input *S3BenchmarkInput
	op    objectprovider.ObjectProvider
}

// Replaced in tests.
var newObjectProvider = func(input *S3BenchmarkInput) (objectprovider.ObjectProvider, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(input.Region)}
	if input.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(input.AccessKey, input.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config failed: %w", err)
	}
	return objectprovider.NewS3ObjectProvider(&objectprovider.S3ObjectProviderInput{
		AwsConfig:           cfg,
		Endpoint:            input.Endpoint,
		PathStyle:           input.PathStyle,
		Bucket:              input.Bucket,
		UploadConcurrency:   input.UploadConcurrency,
		DownloadConcurrency: input.DownloadConcurrency,
		Quiet:               true,
	}), nil
}

func init() {
	benchmark.RegisterBenchmark(Type, func(ctx *benchmark.BenchmarkContext) (benchmark.Benchmark, error) {
		input := &S3BenchmarkInput{}
		err := settings.Decode(ctx.Config, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to S3BenchmarkInput: %w", err)
		}
		return NewS3Benchmark(ctx, input)
	})
}

func NewS3Benchmark(ctx *benchmark.BenchmarkContext, input *S3BenchmarkInput) (benchmark.Benchmark, error) {
	if input.Bucket == "" {
		return nil, fmt.Errorf("s3 benchmark needs a bucket")
	}
	if input.Region == "" {
		input.Region = "us-east-1"
	}
	if input.ObjectsFile == "" && (input.ObjectCount <= 0 || input.ObjectSize < 0) {
		return nil, fmt.Errorf("s3 benchmark needs objects_file or a positive object_count")
	}
	base, err := benchmark.NewBase(ctx)
	if err != nil {
		return nil, err
	}
	op, err := newObjectProvider(input)
	if err != nil {
		return nil, err
	}
	return &bmark{Base: base, input: input, op: op}, nil
}

// Benchmarks share initialization per bucket, not per type, since the bucket is what Initialize creates.
func (b *bmark) GetClass() benchmark.ClassID {
	return benchmark.ClassID(fmt.Sprintf("%s:%s", Type, b.input.Bucket))
}

func (b *bmark) Initialize() error {
	return b.InitializeClusterWith(b.op.SetUp)
}

func (b *bmark) objectSpecs() ([]*objectprovider.ObjectSpec, error) {
	if b.input.ObjectsFile != "" {
		return objectprovider.LoadObjectSpecsFromFile(b.input.ObjectsFile)
	}
	// Objects are keyed by benchmark so that benchmarks sharing a bucket don't read each other's objects
	prefix := fmt.Sprintf("%s/%08d/", b.GetName(), b.Ctx.Iteration)
	return objectprovider.GenerateObjectSpecs(prefix, b.input.ObjectCount, b.input.ObjectSize), nil
}

func (b *bmark) Run() error {
	err := b.WriteConfig()
	if err != nil {
		return err
	}
	rep := b.NewReport()
	rep.Class = string(b.GetClass())
	rep.PhaseTimeSec = map[string][]float64{}

	err = b.run(rep)
	if err != nil {
		rep.Error = err.Error()
	}
	return errors.Join(err, b.SaveReport(rep))
}

func (b *bmark) run(rep *report.BenchmarkReport) error {
	objs, err := b.objectSpecs()
	if err != nil {
		return err
	}
	b.op.SetObjects(objs)
	totalBytes := objectprovider.TotalSizeBytes(objs)

	for i := range max(b.input.Runs, 1) {
		start := time.Now()
		err = b.op.MakeObjects()
		if err != nil {
			return err
		}
		write := time.Since(start).Seconds()

		start = time.Now()
		err = b.op.ReadObjects()
		if err != nil {
			return err
		}
		read := time.Since(start).Seconds()

		rep.PhaseTimeSec["write"] = append(rep.PhaseTimeSec["write"], write)
		rep.PhaseTimeSec["read"] = append(rep.PhaseTimeSec["read"], read)
		rep.TotalTimeSec = append(rep.TotalTimeSec, write+read)
		rep.Metadata = append(rep.Metadata, map[string]any{"objects": len(objs), "bytes": totalBytes})
		slog.Info("s3 benchmark run finished", slog.String("name", b.GetName()), slog.Int("run", i), slog.Float64("writeSec", write), slog.Float64("readSec", read))
	}

	// Leave the bucket for the rest of the class, but not this benchmark's objects
	return b.op.DeleteObjects()
}

func (b *bmark) Cleanup() error {
	return errors.Join(b.op.TearDown(), b.CleanupCluster())
}
