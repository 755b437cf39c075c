package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Log stores the journal in an S3-compatible bucket (AWS S3 or MinIO).
// S3 has no append, so every AppendRecords call writes one immutable object
// whose key carries a zero-padded sequence number; replaying the log is
// listing the prefix in key order. Writes are conditional (If-None-Match: *)
// so a sequence collision with a concurrent worker fails the Put instead of
// overwriting its batch; the loser advances to the next free slot and
// retries.
type S3Log struct {
	client *s3.Client
	bucket string
	prefix string

	mu      sync.Mutex
	records []Record
	nextSeq int
	lastKey string
}

var _ LogBackend = (*S3Log)(nil)

// S3Config holds explicit construction parameters (mostly for tests). For
// prod we rely primarily on environment variables.
type S3Config struct {
	Region          string
	Bucket          string
	Prefix          string // key prefix for journal objects (default "journal/")
	Endpoint        string // optional; if set enables custom endpoint (e.g. MinIO)
	AccessKeyID     string // optional (falls back to default credentials chain)
	SecretAccessKey string // optional
	SessionToken    string // optional
	PathStyle       bool
}

// Environment variables:
//   STUDYCORE_JOURNAL_S3_BUCKET=<bucket> (required)
//   STUDYCORE_JOURNAL_S3_PREFIX=<prefix> (default journal/)
//   STUDYCORE_JOURNAL_S3_REGION=<region> (default us-east-1)
//   STUDYCORE_JOURNAL_S3_ENDPOINT=<url> (optional, for MinIO)
//   STUDYCORE_JOURNAL_S3_PATH_STYLE=true|false (default false)
//   AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// NewS3Log creates an S3 journal log from S3Config.
func NewS3Log(ctx context.Context, cfg S3Config) (*S3Log, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "journal/"
	}
	return &S3Log{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// OpenS3LogFromEnv constructs an S3 journal log from process environment.
func OpenS3LogFromEnv(ctx context.Context) (*S3Log, error) {
	bucket := os.Getenv("STUDYCORE_JOURNAL_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("STUDYCORE_JOURNAL_S3_BUCKET required for s3 journal")
	}
	cfg := S3Config{
		Bucket:    bucket,
		Prefix:    os.Getenv("STUDYCORE_JOURNAL_S3_PREFIX"),
		Region:    os.Getenv("STUDYCORE_JOURNAL_S3_REGION"),
		Endpoint:  os.Getenv("STUDYCORE_JOURNAL_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("STUDYCORE_JOURNAL_S3_PATH_STYLE"), "true"),
	}
	return NewS3Log(ctx, cfg)
}

// AppendRecords writes the records as one JSONL object at the next free
// sequence key.
func (l *S3Log) AppendRecords(records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctx := context.Background()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode journal record: %w", err)
		}
	}

	for {
		key := l.seqKey(l.nextSeq)
		_, err := l.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &l.bucket,
			Key:         &key,
			Body:        bytes.NewReader(buf.Bytes()),
			IfNoneMatch: aws.String("*"),
		})
		if err == nil {
			l.nextSeq++
			return nil
		}
		if isPreconditionFailed(err) {
			// Another worker took this sequence slot.
			l.nextSeq++
			continue
		}
		return fmt.Errorf("put journal object %s: %w", key, err)
	}
}

func isPreconditionFailed(err error) bool {
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "PreconditionFailed"
}

// ReadRecords returns every record from index from onward, pulling journal
// objects appended since the last read.
func (l *S3Log) ReadRecords(from int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.refreshLocked(context.Background()); err != nil {
		return nil, err
	}
	if from < 0 || from > len(l.records) {
		return nil, fmt.Errorf("journal read offset %d out of range (have %d records)", from, len(l.records))
	}
	out := make([]Record, len(l.records)-from)
	copy(out, l.records[from:])
	return out, nil
}

func (l *S3Log) refreshLocked(ctx context.Context) error {
	keys, err := l.listNewKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		out, err := l.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &l.bucket, Key: &key})
		if err != nil {
			return fmt.Errorf("get journal object %s: %w", key, err)
		}
		data, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			return fmt.Errorf("read journal object %s: %w", key, err)
		}
		for _, line := range bytes.Split(data, []byte("\n")) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				return fmt.Errorf("decode journal object %s: %w", key, err)
			}
			l.records = append(l.records, rec)
		}
		l.lastKey = key
		if seq, ok := l.parseSeq(key); ok && seq >= l.nextSeq {
			l.nextSeq = seq + 1
		}
	}
	return nil
}

func (l *S3Log) listNewKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var token *string
	for {
		input := &s3.ListObjectsV2Input{Bucket: &l.bucket, Prefix: &l.prefix, ContinuationToken: token}
		if l.lastKey != "" {
			input.StartAfter = &l.lastKey
		}
		out, err := l.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list journal objects: %w", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *S3Log) seqKey(seq int) string {
	return fmt.Sprintf("%s%010d.jsonl", l.prefix, seq)
}

func (l *S3Log) parseSeq(key string) (int, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(key, l.prefix), ".jsonl")
	var seq int
	if _, err := fmt.Sscanf(name, "%d", &seq); err != nil {
		return 0, false
	}
	return seq, true
}
