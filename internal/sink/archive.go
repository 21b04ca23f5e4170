package sink

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/vesaa/opensqm/internal/config"
)

// objectPutter is the part of *s3.Client the archive uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive copies each finished night's data file and graph to an S3 bucket
// (AWS, Ceph RGW, MinIO) under <prefix>/<device_id>/<YYYY>/.
type Archive struct {
	client   objectPutter
	bucket   string
	prefix   string
	deviceID string
	dailyDir string
	graphDir string
}

// NewArchive builds the S3 client. A non-empty _s3_endpoint selects a
// path-style S3-compatible endpoint; static keys are used when set, the
// default AWS credential chain otherwise.
func NewArchive(ctx context.Context, cfg *config.Config) (*Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return newArchive(client, cfg), nil
}

func newArchive(client objectPutter, cfg *config.Config) *Archive {
	return &Archive{
		client:   client,
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		deviceID: cfg.DeviceID,
		dailyDir: cfg.DailyDataDirectory,
		graphDir: cfg.DailyGraphDirectory,
	}
}

func (a *Archive) Name() string { return "archive" }

func (a *Archive) Send(ctx context.Context, b Batch) error {
	if b.Signal != EndOfNight {
		return nil
	}
	stem := DailyStem(b.Night, a.deviceID)
	uploads := []struct{ file, contentType string }{
		{filepath.Join(a.dailyDir, stem+".dat"), "text/plain"},
		{filepath.Join(a.graphDir, stem+".png"), "image/png"},
	}
	for _, u := range uploads {
		if err := a.put(ctx, b, u.file, u.contentType); err != nil {
			return err
		}
	}
	return nil
}

// Key is the object key for a file of the given night.
func (a *Archive) Key(night time.Time, file string) string {
	return path.Join(a.prefix, a.deviceID, fmt.Sprintf("%04d", night.Year()), filepath.Base(file))
}

func (a *Archive) put(ctx context.Context, b Batch, file, contentType string) error {
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		return nil // no graph for nights that were too short to plot
	}
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(b.Night, file)),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", filepath.Base(file), err)
	}
	return nil
}
