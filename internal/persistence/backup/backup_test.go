package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBucket_PutFileSigned(t *testing.T) {
	body := []byte("snapshot bytes")
	sum := sha256.Sum256(body)
	wantHash := hex.EncodeToString(sum[:])

	var gotPath, gotAuth, gotHash string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method=%s", r.Method)
		}
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotHash = r.Header.Get("x-amz-content-sha256")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	b, err := NewBucket(srv.URL, "fax", "", Credentials{AccessKeyID: "AK", SecretAccessKey: "SK"})
	if err != nil {
		t.Fatalf("NewBucket: %v", err)
	}
	b.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	local := filepath.Join(t.TempDir(), "000005.snap.zst")
	if err := os.WriteFile(local, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := b.PutFile(context.Background(), "backups/g 1/000005.snap.zst", local); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if gotPath != "/fax/backups/g 1/000005.snap.zst" {
		t.Fatalf("path=%q", gotPath)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AK/20250301/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=") {
		t.Fatalf("auth=%q", gotAuth)
	}
	if gotHash != wantHash || string(gotBody) != string(body) {
		t.Fatalf("hash=%s body=%q", gotHash, gotBody)
	}
}

func TestBucket_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "AccessDenied", http.StatusForbidden)
	}))
	defer srv.Close()
	b, err := NewBucket(srv.URL, "fax", "", Credentials{AccessKeyID: "AK", SecretAccessKey: "SK"})
	if err != nil {
		t.Fatalf("NewBucket: %v", err)
	}
	local := filepath.Join(t.TempDir(), "f")
	_ = os.WriteFile(local, []byte("x"), 0o644)
	err = b.PutFile(context.Background(), "f", local)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("err=%v", err)
	}
	if _, err := NewBucket("", "fax", "", Credentials{}); err == nil {
		t.Fatalf("expected config error")
	}
}

type flakyUploader struct {
	mu    sync.Mutex
	fails map[string]int
	keys  []string
}

func (f *flakyUploader) PutFile(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails[key] > 0 {
		f.fails[key]--
		return errors.New("transient")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirror_RetriesAndStats(t *testing.T) {
	root := t.TempDir()
	snap := filepath.Join(root, "snapshots", "g1", "000005.snap.zst")
	if err := os.MkdirAll(filepath.Dir(snap), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_ = os.WriteFile(snap, []byte("s"), 0o644)

	up := &flakyUploader{fails: map[string]int{"fax/snapshots/g1/000005.snap.zst": 2}}
	m, err := NewMirror(up, Options{Root: root, Prefix: "/fax/", Workers: 1, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("NewMirror: %v", err)
	}
	m.Enqueue(snap)
	m.Enqueue(filepath.Join(t.TempDir(), "elsewhere.zst"))
	m.Close()

	st := m.Stats()
	if st.Enqueued != 2 || st.Uploaded != 1 || st.Failed != 1 || st.Dropped != 0 || st.LastUpload == 0 {
		t.Fatalf("stats=%+v", st)
	}
	if len(up.keys) != 1 || up.keys[0] != "fax/snapshots/g1/000005.snap.zst" {
		t.Fatalf("keys=%v", up.keys)
	}

	var nilMirror *Mirror
	nilMirror.Enqueue(snap)
	nilMirror.Close()
}
