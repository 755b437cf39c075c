package journal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3LogMockForTests returns an *S3Log backed by an in-memory fake HTTP
// transport. Only the S3 operations the journal needs are implemented:
// Head, Get, Put (honoring If-None-Match: * with 412) and ListObjectsV2.
func NewS3LogMockForTests() *S3Log {
	rt := &mockS3RoundTripper{state: make(map[string][]byte)}
	cfg, _ := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return &S3Log{client: client, bucket: "mock-bucket", prefix: "journal/"}
}

type mockS3RoundTripper struct{ state map[string][]byte }

func (m *mockS3RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && strings.Contains(req.URL.RawQuery, "list-type=2") {
		prefix := req.URL.Query().Get("prefix")
		startAfter := req.URL.Query().Get("start-after")
		var keys []string
		for k := range m.state {
			if prefix != "" && !strings.HasPrefix(k, prefix) {
				continue
			}
			if startAfter != "" && k <= startAfter {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString("<?xml version=\"1.0\"?><ListBucketResult><IsTruncated>false</IsTruncated>")
		for _, k := range keys {
			b.WriteString("<Contents><Key>")
			b.WriteString(k)
			b.WriteString("</Key><Size>")
			b.WriteString(fmt.Sprintf("%d", len(m.state[k])))
			b.WriteString("</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>")
		}
		b.WriteString("</ListBucketResult>")
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(b.String())), Header: http.Header{"Content-Type": {"application/xml"}}}, nil
	}
	switch req.Method {
	case http.MethodHead:
		if body, ok := m.state[key]; ok {
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{
				"Content-Length": {fmt.Sprintf("%d", len(body))},
				"ETag":           {"\"etag\""},
				"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
			}}, nil
		}
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	case http.MethodPut:
		if _, exists := m.state[key]; exists && req.Header.Get("If-None-Match") == "*" {
			errBody := `<?xml version="1.0"?><Error><Code>PreconditionFailed</Code><Message>At least one of the pre-conditions you specified did not hold</Message></Error>`
			return &http.Response{StatusCode: http.StatusPreconditionFailed, Body: io.NopCloser(strings.NewReader(errBody)), Header: http.Header{"Content-Type": {"application/xml"}}}, nil
		}
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunkedLite(body); ok { // handle aws-chunked encoding
			body = dec
		}
		m.state[key] = body
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"ETag": {"\"etag\""}}}, nil
	case http.MethodGet:
		if body, ok := m.state[key]; ok {
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: http.Header{
				"Content-Length": {fmt.Sprintf("%d", len(body))},
				"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
				"ETag":           {"\"etag\""},
			}}, nil
		}
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
}

// decodeChunkedLite decodes a minimal single-chunk aws-chunked payload:
// <hex>\r\n<body>\r\n0\r\n...
func decodeChunkedLite(b []byte) ([]byte, bool) {
	s := string(b)
	parts := strings.Split(s, "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	sz, err := parseHex(parts[0])
	if err != nil || int64(len(parts[1])) != sz || parts[2] != "0" {
		return nil, false
	}
	return []byte(parts[1]), true
}

func parseHex(h string) (int64, error) {
	var v int64
	for _, c := range h {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v += int64(c - '0')
		case c >= 'a' && c <= 'f':
			v += int64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v += int64(c-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex")
		}
	}
	return v, nil
}
