package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// apiError implements smithy.APIError.
type apiError struct {
	code string
	msg  string
}

func (e *apiError) Error() string                 { return e.msg }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.msg }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

var (
	errNoSuchKey = &apiError{code: "NoSuchKey", msg: "no such key"}
	errNotFound  = &apiError{code: "NotFound", msg: "not found"}
)

type object struct {
	data        []byte
	contentType string
}

// bucket is an in-memory S3 backend that can fail any call.
type bucket struct {
	mu      sync.Mutex
	objects map[string]object
	puts    int
	fail    map[string]error // by operation name
}

func newBucket() *bucket {
	return &bucket{objects: make(map[string]object), fail: make(map[string]error)}
}

func (b *bucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail["get"]; err != nil {
		return nil, err
	}
	o, ok := b.objects[*in.Key]
	if !ok {
		return nil, errNoSuchKey
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(o.data))}, nil
}

func (b *bucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail["put"]; err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if in.ContentLength == nil || *in.ContentLength != int64(len(data)) {
		return nil, errors.New("content length mismatch")
	}
	b.puts++
	b.objects[*in.Key] = object{data: data, contentType: *in.ContentType}
	return &s3.PutObjectOutput{}, nil
}

func (b *bucket) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail["delete"]; err != nil {
		return nil, err
	}
	delete(b.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (b *bucket) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail["head"]; err != nil {
		return nil, err
	}
	if _, ok := b.objects[*in.Key]; !ok {
		return nil, errNotFound
	}
	return &s3.HeadObjectOutput{}, nil
}

func (b *bucket) get(key string) (object, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[key]
	return o, ok
}

func TestS3RoundTrip(t *testing.T) {
	b := newBucket()
	store := NewS3(b, "runs", "exp1")
	ctx := context.Background()

	const body = `{"e":2,"b":19}`
	err := WriteFunc(ctx, store, "models/xvector_latest.json", func(w io.Writer) error {
		_, err := io.WriteString(w, body)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	o, ok := b.get("exp1/models/xvector_latest.json")
	if !ok {
		t.Fatal("object not stored under the prefixed key")
	}
	if o.contentType != "application/json" {
		t.Errorf("content type = %q", o.contentType)
	}

	var got string
	err = ReadFunc(ctx, store, "models/xvector_latest.json", func(r io.Reader) error {
		data, err := io.ReadAll(r)
		got = string(data)
		return err
	})
	if err != nil || got != body {
		t.Fatalf("read %q, %v", got, err)
	}
	if ok, err := store.Exists(ctx, "models/xvector_latest.json"); !ok || err != nil {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
}

func TestS3WriteUploadsOnClose(t *testing.T) {
	b := newBucket()
	store := NewS3(b, "runs", "")
	ctx := context.Background()

	w, err := store.Write(ctx, "mfcc/u1.npy")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "part one ")
	io.WriteString(w, "part two")
	if _, ok := b.get("mfcc/u1.npy"); ok {
		t.Fatal("object visible before Close")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	o, _ := b.get("mfcc/u1.npy")
	if string(o.data) != "part one part two" || o.contentType != "application/octet-stream" {
		t.Fatalf("object = %q (%s)", o.data, o.contentType)
	}
	if b.puts != 1 {
		t.Errorf("puts = %d, want 1", b.puts)
	}
	if _, err := w.Write([]byte("late")); err == nil {
		t.Error("write after close should fail")
	}
	if err := w.Close(); err == nil {
		t.Error("second close should fail")
	}
}

func TestS3WriteFuncAbort(t *testing.T) {
	b := newBucket()
	store := NewS3(b, "runs", "")
	ctx := context.Background()

	boom := errors.New("encode failed")
	err := WriteFunc(ctx, store, "embeddings/enroll/3.npy", func(w io.Writer) error {
		io.WriteString(w, "half")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WriteFunc error = %v, want %v", err, boom)
	}
	if _, ok := b.get("embeddings/enroll/3.npy"); ok || b.puts != 0 {
		t.Fatal("aborted write must not create an object")
	}
}

func TestS3NotFound(t *testing.T) {
	store := NewS3(newBucket(), "runs", "")
	ctx := context.Background()

	if _, err := store.Read(ctx, "data/train_data.msgpack"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Read missing = %v, want os.ErrNotExist", err)
	}
	if ok, err := store.Exists(ctx, "data/train_data.msgpack"); ok || err != nil {
		t.Fatalf("Exists missing = %v, %v", ok, err)
	}
	if err := store.Delete(ctx, "data/train_data.msgpack"); err != nil {
		t.Fatalf("Delete missing = %v", err)
	}
}

func TestS3Errors(t *testing.T) {
	cause := errors.New("network timeout")
	ctx := context.Background()
	tests := []struct {
		op  string
		run func(*S3Store) error
	}{
		{"get", func(s *S3Store) error { _, err := s.Read(ctx, "x"); return err }},
		{"head", func(s *S3Store) error { _, err := s.Exists(ctx, "x"); return err }},
		{"delete", func(s *S3Store) error { return s.Delete(ctx, "x") }},
		{"put", func(s *S3Store) error {
			return WriteFunc(ctx, s, "x", func(w io.Writer) error {
				_, err := io.WriteString(w, "data")
				return err
			})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			b := newBucket()
			b.fail[tt.op] = cause
			err := tt.run(NewS3(b, "runs", "p"))
			if !errors.Is(err, cause) {
				t.Fatalf("err = %v, want %v", err, cause)
			}
			if errors.Is(err, os.ErrNotExist) {
				t.Fatal("generic error reported as not-exist")
			}
			if !strings.Contains(err.Error(), "s3://runs/p/x") {
				t.Errorf("error should name the object: %v", err)
			}
		})
	}
}

func TestS3Key(t *testing.T) {
	tests := []struct{ prefix, path, want string }{
		{"", "a/b", "a/b"},
		{"runs", "a/b", "runs/a/b"},
		{"/runs/", "/a/b", "runs/a/b"},
	}
	for _, tt := range tests {
		if got := NewS3(nil, "bucket", tt.prefix).key(tt.path); got != tt.want {
			t.Errorf("key(%q, %q) = %q, want %q", tt.prefix, tt.path, got, tt.want)
		}
	}
}

func TestContentType(t *testing.T) {
	for p, want := range map[string]string{
		"data/train_data.msgpack":    "application/msgpack",
		"models/xvector_latest.json": "application/json",
		"data/data.scp":              "text/plain; charset=utf-8",
		"mfcc/u1.npy":                "application/octet-stream",
		"models/xvector_Epoch1.ckpt": "application/octet-stream",
	} {
		if got := contentType(p); got != want {
			t.Errorf("contentType(%q) = %q, want %q", p, got, want)
		}
	}
}

func TestIsS3NotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"NoSuchKey", errNoSuchKey, true},
		{"NotFound", errNotFound, true},
		{"other api error", &apiError{code: "AccessDenied", msg: "denied"}, false},
		{"plain error", errors.New("timeout"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isS3NotFound(tt.err); got != tt.want {
				t.Fatalf("isS3NotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestOpenLocation(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir, S3Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := fs.(*Local); !ok {
		t.Fatalf("Open(%q) = %T, want *Local", dir, fs)
	}

	fs, err = Open("s3://bucket/runs/a", S3Config{AccessKeyID: "k", SecretAccessKey: "s"})
	if err != nil {
		t.Fatal(err)
	}
	s3s, ok := fs.(*S3Store)
	if !ok {
		t.Fatalf("Open(s3://...) = %T, want *S3Store", fs)
	}
	if s3s.bucket != "bucket" || s3s.prefix != "runs/a" {
		t.Fatalf("bucket/prefix = %q/%q", s3s.bucket, s3s.prefix)
	}

	if _, err := Open("s3:///nobucket", S3Config{AccessKeyID: "k", SecretAccessKey: "s"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}
