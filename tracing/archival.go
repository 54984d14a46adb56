package tracing

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
	"flow.evalgo.org/db"
	"flow.evalgo.org/flow"
)

// S3Options configures trace archival to an S3-compatible store.
type S3Options struct {
	Bucket string
	Region string

	// Endpoint, when set, points at a non-AWS store (MinIO, Hetzner).
	// Path-style addressing is switched on automatically.
	Endpoint string

	// Prefix is the key prefix under which archives are written.
	Prefix string

	AccessKey string
	SecretKey string
}

// S3Archiver writes expired trace rows as date-partitioned JSONL
// objects before they are deleted from the database.
type S3Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      *logrus.Entry
}

// NewS3Archiver builds the S3 client and uploader. Static credentials
// take precedence over the ambient credential chain when provided.
func NewS3Archiver(ctx context.Context, opts S3Options) (*S3Archiver, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required: %w", flow.ErrValidation)
	}
	if opts.Prefix == "" {
		opts.Prefix = "traces"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts,
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archiver{
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		log:      common.ComponentLogger("trace-archive"),
	}, nil
}

// Archive uploads one batch of rows as a single JSONL object and
// returns its key.
func (a *S3Archiver) Archive(ctx context.Context, rows []*db.ArchiveRow) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	for _, row := range rows {
		buf.Write(row.Data)
		buf.WriteByte('\n')
	}

	key := a.objectKey(time.Now().UTC())
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"rows": strconv.Itoa(len(rows)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload trace archive: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"key":   key,
		"rows":  len(rows),
		"bytes": buf.Len(),
	}).Debug("uploaded trace archive object")

	return key, nil
}

// objectKey partitions archives by day so lifecycle rules can expire
// whole prefixes.
func (a *S3Archiver) objectKey(now time.Time) string {
	return fmt.Sprintf("%s/%s/steps-%s.jsonl", a.prefix, now.Format("2006/01/02"), uuid.NewString())
}
