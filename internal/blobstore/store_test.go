package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "memory", cfg: Config{Driver: DriverMemory}},
		{name: "unsupported driver", cfg: Config{Driver: "gcs"}, wantErr: true},
		{name: "s3 missing bucket", cfg: Config{Driver: DriverS3, S3Client: &fakeS3Client{}}, wantErr: true},
		{name: "s3 missing client", cfg: Config{Driver: DriverS3, Bucket: "bridge-config"}, wantErr: true},
		{name: "default driver is s3", cfg: Config{Bucket: "bridge-config", S3Client: &fakeS3Client{}}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := New(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if store == nil {
				t.Fatalf("New returned nil store")
			}
		})
	}
}

func TestMemoryStore_RoundTripAndNotFound(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory, Prefix: "/mainnet/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := []byte("chains: []\n")
	if err := store.Put(context.Background(), "/registry/chains.yaml", payload, "application/yaml"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	payload[0] = 'X'

	obj, err := store.Get(context.Background(), "registry/chains.yaml")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got, want := obj.Key, "registry/chains.yaml"; got != want {
		t.Fatalf("Key: got %q want %q", got, want)
	}
	if got, want := string(obj.Data), "chains: []\n"; got != want {
		t.Fatalf("Data: got %q want %q", got, want)
	}
	if obj.ETag == "" {
		t.Fatalf("expected etag")
	}

	if _, err := store.Get(context.Background(), "registry/missing.yaml"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Put(context.Background(), " bad", nil, ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestS3Store_GetAppliesPrefixAndMapsNotFound(t *testing.T) {
	t.Parallel()

	fake := &fakeS3Client{objects: map[string][]byte{
		"cfg/registry/chains.yaml": []byte("chains: []\n"),
	}}
	store, err := New(Config{Driver: DriverS3, Bucket: "bridge-config", Prefix: "cfg", S3Client: fake})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	obj, err := store.Get(context.Background(), "registry/chains.yaml")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got, want := obj.ETag, "etag-1"; got != want {
		t.Fatalf("ETag: got %q want %q", got, want)
	}
	if fake.lastBucket != "bridge-config" {
		t.Fatalf("bucket: got %q", fake.lastBucket)
	}

	if _, err := store.Get(context.Background(), "registry/other.yaml"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Put(context.Background(), "registry/next.yaml", []byte("x"), "application/yaml"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := fake.objects["cfg/registry/next.yaml"]; !ok {
		t.Fatalf("Put did not apply prefix")
	}
}

func TestS3Store_GetRejectsOversizedObjects(t *testing.T) {
	t.Parallel()

	fake := &fakeS3Client{objects: map[string][]byte{"big": bytes.Repeat([]byte("a"), 17)}}
	store, err := New(Config{Bucket: "b", S3Client: fake, MaxGetSize: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Get(context.Background(), "big"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type fakeS3Client struct {
	objects    map[string][]byte
	lastBucket string
}

func (f *fakeS3Client) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.lastBucket = aws.ToString(in.Bucket)
	f.objects[aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3Client) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.lastBucket = aws.ToString(in.Bucket)
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(bytes.NewReader(b)),
		ETag:        aws.String(`"etag-1"`),
		ContentType: aws.String("application/yaml"),
	}, nil
}
