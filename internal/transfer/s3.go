package transfer

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/irisfeed/aida/internal/config"
)

// S3API is the part of the S3 client the archive uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive keeps a copy of every transmit file in a bucket under
// <prefix>/<site>/<revision>/<name>.
type S3Archive struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Archive creates an archive using the default AWS credential chain.
func NewS3Archive(ctx context.Context, cfg config.S3Config) (*S3Archive, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3ArchiveWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiveWithClient creates an archive around an existing client.
func NewS3ArchiveWithClient(client S3API, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for a file in a batch.
func (a *S3Archive) Key(batch Batch, name string) string {
	return path.Join(a.prefix, batch.SiteID, batch.Revision, name)
}

// Send uploads every file in the batch. It stops at the first failure.
func (a *S3Archive) Send(ctx context.Context, batch Batch) error {
	for _, name := range batch.Files {
		if err := a.put(ctx, batch, name); err != nil {
			return err
		}
	}
	log.Info().Str("bucket", a.bucket).Int("files", len(batch.Files)).Msg("archived transmit files")
	return nil
}

func (a *S3Archive) put(ctx context.Context, batch Batch, name string) error {
	f, err := os.Open(batch.Path(name)) // #nosec G304 -- path is in the transmit area
	if err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.Key(batch, name)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("text/csv"),
		Metadata: map[string]string{
			"revision":    batch.Revision,
			"incremental": strconv.FormatBool(batch.Incremental),
		},
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	return nil
}

// Close is a no-op; the S3 client holds no resources.
func (a *S3Archive) Close() error {
	return nil
}
