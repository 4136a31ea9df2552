// Package s3store is a storage backend on Amazon S3 (or any S3-compatible
// endpoint). Outputs stream through a multipart upload, so a group of any
// size is written without buffering it in memory.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/JonMunkholm/csvrouter/internal/storage"
)

// maxDeleteBatch is the DeleteObjects per-request key limit.
const maxDeleteBatch = 1000

// Options configures a Store.
type Options struct {
	// SourceBucket resolves bare-key locators.
	SourceBucket string
	// DestBucket receives outputs and is the scope of partition cleanup.
	DestBucket string

	Region         string
	Endpoint       string
	ForcePathStyle bool
	MaxRetries     int

	// PartSize and Concurrency tune the multipart uploader; zero keeps
	// the SDK defaults.
	PartSize    int64
	Concurrency int
}

// Store implements storage.Store on S3.
type Store struct {
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
	srcBkt   string
	dstBkt   string
}

var _ storage.Store = (*Store)(nil)

// New creates an AWS session from the default credential chain and returns
// a Store using it.
func New(opts Options) (*Store, error) {
	if opts.DestBucket == "" {
		return nil, errors.New("s3store: destination bucket is required")
	}
	cfg := &aws.Config{}
	if opts.MaxRetries > 0 {
		// retry on ephemeral AWS errors
		cfg.Retryer = client.DefaultRetryer{NumMaxRetries: opts.MaxRetries}
	}
	if opts.Region != "" {
		cfg.Region = aws.String(opts.Region)
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	if opts.ForcePathStyle {
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}

	svc := s3.New(sess)
	up := s3manager.NewUploaderWithClient(svc, func(u *s3manager.Uploader) {
		if opts.PartSize > 0 {
			u.PartSize = opts.PartSize
		}
		if opts.Concurrency > 0 {
			u.Concurrency = opts.Concurrency
		}
	})
	return NewWithClient(svc, up, opts), nil
}

// NewWithClient returns a Store over existing clients. Tests pass fakes.
func NewWithClient(svc s3iface.S3API, up s3manageriface.UploaderAPI, opts Options) *Store {
	return &Store{client: svc, uploader: up, srcBkt: opts.SourceBucket, dstBkt: opts.DestBucket}
}

// ParseLocator splits "s3://bucket/key" into its parts. Any other locator
// is a key in defaultBucket.
func ParseLocator(locator, defaultBucket string) (bucket, key string, err error) {
	if strings.HasPrefix(locator, "s3://") {
		u, err := url.Parse(locator)
		if err != nil {
			return "", "", fmt.Errorf("parsing S3 URL %v: %w", locator, err)
		}
		bucket, key = u.Host, strings.TrimPrefix(u.Path, "/")
	} else {
		bucket, key = defaultBucket, strings.TrimPrefix(locator, "/")
	}
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("incomplete S3 locator %q", locator)
	}
	return bucket, key, nil
}

// OpenSource fetches the object named by locator. The body is streamed.
func (s *Store) OpenSource(ctx context.Context, locator string) (io.ReadCloser, error) {
	bucket, key, err := ParseLocator(locator, s.srcBkt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrSourceUnavailable, err)
	}

	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchKey:
				return nil, fmt.Errorf("%w: s3://%s/%s does not exist", storage.ErrSourceUnavailable, bucket, key)
			}
		}
		return nil, fmt.Errorf("%w: fetching S3 object s3://%s/%s: %v", storage.ErrSourceUnavailable, bucket, key, err)
	}
	return storage.WithSize(out.Body, aws.Int64Value(out.ContentLength)), nil
}

// OpenSink starts a streaming upload to the destination bucket. The
// upload completes on Commit and is abandoned on Abort.
func (s *Store) OpenSink(ctx context.Context, p string) (storage.Object, error) {
	key, err := storage.CleanKey(p)
	if err != nil || strings.HasSuffix(key, "/") {
		return nil, fmt.Errorf("%w: %q", storage.ErrPathInvalid, p)
	}

	pr, pw := io.Pipe()
	o := &object{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(o.done)
		_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(s.dstBkt),
			Key:         aws.String(key),
			Body:        pr,
			ContentType: aws.String("text/csv"),
		})
		if err != nil {
			o.err = fmt.Errorf("uploading s3://%s/%s: %w", s.dstBkt, key, err)
		}
		// Unblock a writer if the upload stopped reading early.
		_ = pr.CloseWithError(errUploadStopped(o.err))
	}()
	return o, nil
}

// DeletePartition removes every object in the destination bucket whose key
// starts with prefix.
func (s *Store) DeletePartition(ctx context.Context, prefix string) (int, error) {
	clean, err := storage.CleanKey(prefix)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", err, prefix)
	}

	var keys []*s3.ObjectIdentifier
	err = s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.dstBkt),
		Prefix: aws.String(clean),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, &s3.ObjectIdentifier{Key: obj.Key})
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("listing s3://%s/%s: %w", s.dstBkt, clean, err)
	}

	deleted := 0
	for len(keys) > 0 {
		n := len(keys)
		if n > maxDeleteBatch {
			n = maxDeleteBatch
		}
		batch := keys[:n]
		keys = keys[n:]

		out, err := s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.dstBkt),
			Delete: &s3.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("deleting under s3://%s/%s: %w", s.dstBkt, clean, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			deleted += n - len(out.Errors)
			return deleted, fmt.Errorf("deleting s3://%s/%s: %s: %s (%d failed)",
				s.dstBkt, aws.StringValue(first.Key), aws.StringValue(first.Code),
				aws.StringValue(first.Message), len(out.Errors))
		}
		deleted += n
	}
	return deleted, nil
}

var errAborted = errors.New("upload aborted")

func errUploadStopped(err error) error {
	if err != nil {
		return err
	}
	return io.ErrClosedPipe
}

type object struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error // set by the upload goroutine before done closes

	once sync.Once
}

func (o *object) Write(p []byte) (int, error) {
	return o.pw.Write(p)
}

// Commit ends the body and waits for the upload to complete.
func (o *object) Commit() error {
	committed := false
	o.once.Do(func() {
		committed = true
		_ = o.pw.Close()
		<-o.done
	})
	if !committed {
		return io.ErrClosedPipe
	}
	return o.err
}

// Abort fails the body so the uploader abandons any multipart upload.
func (o *object) Abort(err error) {
	o.once.Do(func() {
		if err == nil {
			err = errAborted
		}
		_ = o.pw.CloseWithError(err)
		<-o.done
	})
}
