package objectprovider

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/schollz/progressbar/v3"
)

const defaultConcurrency = 16

type s3ObjectProvider struct {
	input   *S3ObjectProviderInput
	s3      *s3.Client
	objects []*ObjectSpec
}

type S3ObjectProviderInput struct {
	AwsConfig aws.Config
	// An S3-compatible endpoint such as a Ceph RGW. Uses AWS if empty.
	Endpoint            string
	PathStyle           bool
	Bucket              string
	UploadConcurrency   int
	DownloadConcurrency int
	// Hide progress bars.
	Quiet bool
}

func NewS3ObjectProvider(input *S3ObjectProviderInput) ObjectProvider {
	if input.UploadConcurrency <= 0 {
		input.UploadConcurrency = defaultConcurrency
	}
	if input.DownloadConcurrency <= 0 {
		input.DownloadConcurrency = defaultConcurrency
	}
	return &s3ObjectProvider{
		input: input,
		s3: s3.NewFromConfig(input.AwsConfig, func(o *s3.Options) {
			if input.Endpoint != "" {
				o.BaseEndpoint = aws.String(input.Endpoint)
			}
			o.UsePathStyle = input.PathStyle
		}),
	}
}

func (o *s3ObjectProvider) SetObjects(objects []*ObjectSpec) {
	o.objects = objects
}

func (o *s3ObjectProvider) GetObjects() []*ObjectSpec {
	return o.objects
}

func (o *s3ObjectProvider) GetBucket() string {
	return o.input.Bucket
}

func (o *s3ObjectProvider) progressBar(n int, description string) *progressbar.ProgressBar {
	if o.input.Quiet {
		return progressbar.DefaultSilent(int64(n), description)
	}
	return progressbar.Default(int64(n), description)
}

// Runs f for every object on a pool of the given size and returns the first error.
func (o *s3ObjectProvider) forEachObject(concurrency int, description string, f func(*ObjectSpec) error) error {
	errChan := make(chan error, len(o.objects))
	pool := pond.New(concurrency, 0, pond.MinWorkers(concurrency))
	p := o.progressBar(len(o.objects), description)
	for _, obj := range o.objects {
		pool.Submit(func() {
			defer p.Add(1)
			err := f(obj)
			if err != nil {
				errChan <- fmt.Errorf("%s: %w", obj.Key, err)
			}
		})
	}
	pool.StopAndWait()
	p.Finish()

	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}

func (o *s3ObjectProvider) MakeObjects() error {
	slog.Info("uploading objects", slog.String("bucket", o.input.Bucket), slog.Int("count", len(o.objects)))
	uploader := manager.NewUploader(o.s3, func(u *manager.Uploader) {
		u.PartSize = 1024 * 1024 * 10
	})
	err := o.forEachObject(o.input.UploadConcurrency, "Uploading objects:", func(obj *ObjectSpec) error {
		_, err := uploader.Upload(context.Background(), &s3.PutObjectInput{
			Bucket: &o.input.Bucket,
			Key:    &obj.Key,
			Body:   io.LimitReader(rand.Reader, int64(obj.SizeBytes)),
		})
		if err != nil {
			slog.Error("failed to upload S3 object", slog.String("key", obj.Key), slog.String("error", err.Error()))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("some S3 objects failed to upload: %w", err)
	}
	slog.Info("done uploading", slog.String("bucket", o.input.Bucket))
	return nil
}

type discardWriterAt struct{}

func (discardWriterAt) WriteAt(p []byte, off int64) (int, error) {
	return len(p), nil
}

func (o *s3ObjectProvider) ReadObjects() error {
	slog.Info("downloading objects", slog.String("bucket", o.input.Bucket), slog.Int("count", len(o.objects)))
	downloader := manager.NewDownloader(o.s3)
	err := o.forEachObject(o.input.DownloadConcurrency, "Downloading objects:", func(obj *ObjectSpec) error {
		n, err := downloader.Download(context.Background(), discardWriterAt{}, &s3.GetObjectInput{
			Bucket: &o.input.Bucket,
			Key:    &obj.Key,
		})
		if err != nil {
			slog.Error("failed to download S3 object", slog.String("key", obj.Key), slog.String("error", err.Error()))
			return err
		}
		if n != int64(obj.SizeBytes) {
			return fmt.Errorf("expected %d bytes, got %d", obj.SizeBytes, n)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("some S3 objects failed to download: %w", err)
	}
	return nil
}

func (o *s3ObjectProvider) DeleteObjects() error {
	err := o.forEachObject(o.input.UploadConcurrency, "Deleting objects:", func(obj *ObjectSpec) error {
		_, err := o.s3.DeleteObject(context.Background(), &s3.DeleteObjectInput{
			Bucket: &o.input.Bucket,
			Key:    &obj.Key,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("some S3 objects failed to delete: %w", err)
	}
	return nil
}

func (o *s3ObjectProvider) SetUp() error {
	input := &s3.CreateBucketInput{
		Bucket: &o.input.Bucket,
		ACL:    s3Types.BucketCannedACLPrivate,
	}
	// us-east-1 and most S3-compatible gateways reject an explicit location constraint
	if o.input.Endpoint == "" && o.input.AwsConfig.Region != "" && o.input.AwsConfig.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3Types.CreateBucketConfiguration{
			LocationConstraint: s3Types.BucketLocationConstraint(o.input.AwsConfig.Region),
		}
	}
	_, err := o.s3.CreateBucket(context.Background(), input)
	var e *s3Types.BucketAlreadyOwnedByYou
	if errors.As(err, &e) {
		slog.Debug("bucket already exists", slog.String("name", o.input.Bucket))
		return nil
	} else if err != nil {
		return fmt.Errorf("creating bucket %s failed: %w", o.input.Bucket, err)
	}
	slog.Debug("created bucket", slog.String("name", o.input.Bucket))
	return nil
}

// Deletes every object in the bucket, then the bucket. Failures are logged and the bucket deletion is attempted
// regardless.
func (o *s3ObjectProvider) TearDown() error {
	var errs []error
	pool := pond.New(32, 0, pond.MinWorkers(32))
	deleteErrs := make(chan error, 1)
	paginator := s3.NewListObjectsV2Paginator(o.s3, &s3.ListObjectsV2Input{Bucket: &o.input.Bucket})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			slog.Error("not deleting objects in bucket because ListObjectsV2 failed", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("listing objects failed: %w", err))
			break
		}
		for _, obj := range page.Contents {
			pool.Submit(func() {
				_, err := o.s3.DeleteObject(context.Background(), &s3.DeleteObjectInput{
					Bucket: &o.input.Bucket,
					Key:    obj.Key,
				})
				if err != nil {
					select {
					case deleteErrs <- fmt.Errorf("deleting %s failed: %w", aws.ToString(obj.Key), err):
					default:
					}
				}
			})
		}
	}
	pool.StopAndWait()
	select {
	case err := <-deleteErrs:
		slog.Error("some objects were not deleted", slog.String("bucket", o.input.Bucket), slog.String("error", err.Error()))
		errs = append(errs, err)
	default:
	}

	_, err := o.s3.DeleteBucket(context.Background(), &s3.DeleteBucketInput{
		Bucket: &o.input.Bucket,
	})
	if err != nil {
		slog.Error("DeleteBucket failed", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("deleting bucket %s failed: %w", o.input.Bucket, err))
	} else {
		slog.Debug("deleted bucket", slog.String("name", o.input.Bucket))
	}
	return errors.Join(errs...)
}
