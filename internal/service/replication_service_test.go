package service

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturedPut struct {
	path        string
	contentType string
	body        string
}

type fakeS3 struct {
	mu   sync.Mutex
	puts []capturedPut
	fail bool
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	status := http.StatusOK
	if f.fail {
		status = http.StatusInternalServerError
	} else if req.Method == http.MethodPut {
		f.puts = append(f.puts, capturedPut{
			path:        req.URL.Path,
			contentType: req.Header.Get("Content-Type"),
			body:        string(body),
		})
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Length": []string{"0"}},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func newFakeS3Client(transport http.RoundTripper) *s3.Client {
	return s3.New(s3.Options{
		Region:                     "us-east-1",
		Credentials:                credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		BaseEndpoint:               aws.String("http://s3.local.test"),
		UsePathStyle:               true,
		HTTPClient:                 &http.Client{Transport: transport},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		RetryMaxAttempts:           1,
	})
}

func writeFiles(t *testing.T, dir string, files map[string]string) []string {
	t.Helper()
	var paths []string
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
		paths = append(paths, p)
	}
	return paths
}

func TestS3Replica_ShipUploadsObjects(t *testing.T) {
	fake := &fakeS3{}
	replica := NewS3ReplicaWithClient(newFakeS3Client(fake), "backups", "/node-1/")
	dir := t.TempDir()
	files := writeFiles(t, dir, map[string]string{
		SnapshotFileName: `{"format_version":1}`,
	})
	files = append(files, filepath.Join(dir, "missing.log"))

	require.NoError(t, replica.Ship(context.Background(), files))

	require.Len(t, fake.puts, 1)
	assert.Equal(t, "/backups/node-1/snapshot.json", fake.puts[0].path)
	assert.Equal(t, "application/json", fake.puts[0].contentType)
	assert.Equal(t, `{"format_version":1}`, fake.puts[0].body)
	assert.Equal(t, "s3://backups/node-1", replica.Name())
}

func TestS3Replica_ObjectKey(t *testing.T) {
	assert.Equal(t, "journal.log", NewS3ReplicaWithClient(nil, "b", "").ObjectKey("/x/journal.log"))
	assert.Equal(t, "p/q/journal.log", NewS3ReplicaWithClient(nil, "b", "p/q/").ObjectKey("/x/journal.log"))
}

func TestS3Replica_FailureIsCounted(t *testing.T) {
	fake := &fakeS3{fail: true}
	replica := NewS3ReplicaWithClient(newFakeS3Client(fake), "backups", "")
	svc := NewReplicationService(ReplicationSync, []ReplicaTarget{replica}, zap.NewNop(), testMetrics())
	defer svc.Close()

	files := writeFiles(t, t.TempDir(), map[string]string{JournalFileName: "{}\n"})
	svc.Ship(context.Background(), files)

	shipped, failures := svc.Stats()
	assert.Equal(t, uint64(0), shipped)
	assert.Equal(t, uint64(1), failures)
}

func TestNewS3Replica_RequiresBucket(t *testing.T) {
	_, err := NewS3Replica(context.Background(), S3ReplicaConfig{})
	assert.Error(t, err)
}

func TestReplicationService_AsyncShipsStagedCopies(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "mirror")
	svc := NewReplicationService(ReplicationAsyncBestEffort, []ReplicaTarget{NewDirReplica(dst)}, zap.NewNop(), testMetrics())
	defer svc.Close()

	files := writeFiles(t, src, map[string]string{SnapshotFileName: "v1"})
	svc.Ship(context.Background(), files)
	// Overwriting the source after Ship must not change what gets shipped.
	require.NoError(t, os.WriteFile(files[0], []byte("v2"), 0644))
	svc.Wait()

	data, err := os.ReadFile(filepath.Join(dst, SnapshotFileName))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	shipped, failures := svc.Stats()
	assert.Equal(t, uint64(1), shipped)
	assert.Equal(t, uint64(0), failures)
}

type panickingReplica struct{}

func (panickingReplica) Name() string { return "panicking" }

func (panickingReplica) Ship(context.Context, []string) error { panic("disk on fire") }

func TestReplicationService_RecoversTargetPanic(t *testing.T) {
	svc := NewReplicationService(ReplicationSync, []ReplicaTarget{panickingReplica{}}, zap.NewNop(), testMetrics())
	defer svc.Close()

	svc.Ship(context.Background(), nil)
	_, failures := svc.Stats()
	assert.Equal(t, uint64(1), failures)
}

func TestParseReplicationMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ReplicationMode
		wantErr bool
	}{
		{"", ReplicationSync, false},
		{"sync", ReplicationSync, false},
		{"async", ReplicationAsyncBestEffort, false},
		{"async_best_effort", ReplicationAsyncBestEffort, false},
		{"eventually", ReplicationSync, true},
	}
	for _, tt := range tests {
		got, err := ParseReplicationMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
