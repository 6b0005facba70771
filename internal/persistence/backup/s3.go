// Package backup copies snapshot files and closed turn logs to an
// S3-compatible bucket (R2, MinIO, S3) so a lost data dir can be rebuilt.
package backup

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

const (
	signAlgorithm = "AWS4-HMAC-SHA256"
	signService   = "s3"
	// R2 accepts "auto"; S3 and MinIO accept any region they are configured with.
	DefaultRegion = "auto"
)

type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Bucket puts objects with path-style URLs signed with SigV4.
type Bucket struct {
	endpoint string
	name     string
	region   string
	creds    Credentials
	http     *http.Client
	now      func() time.Time
}

func NewBucket(endpoint, name, region string, creds Credentials) (*Bucket, error) {
	endpoint = strings.TrimSpace(endpoint)
	name = strings.TrimSpace(name)
	creds.AccessKeyID = strings.TrimSpace(creds.AccessKeyID)
	creds.SecretAccessKey = strings.TrimSpace(creds.SecretAccessKey)
	if endpoint == "" || name == "" || creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, fmt.Errorf("backup: endpoint, bucket and credentials are required")
	}
	if region = strings.TrimSpace(region); region == "" {
		region = DefaultRegion
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("backup: endpoint: %w", err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("backup: invalid endpoint %q", endpoint)
	}
	return &Bucket{
		endpoint: strings.TrimRight(u.String(), "/"),
		name:     name,
		region:   region,
		creds:    creds,
		http:     &http.Client{Timeout: 2 * time.Minute},
		now:      time.Now,
	}, nil
}

// PutFile uploads the file at localPath under key.
func (b *Bucket) PutFile(ctx context.Context, key, localPath string) error {
	key = cleanKey(key)
	if key == "" {
		return fmt.Errorf("backup: invalid object key")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("backup: %s is a directory", localPath)
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	payloadHash := hex.EncodeToString(h.Sum(nil))

	uri := "/" + b.name + "/" + escapeKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.endpoint+uri, f)
	if err != nil {
		return err
	}
	req.ContentLength = st.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	b.sign(req, uri, payloadHash)

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	return fmt.Errorf("backup: put %s: status %d: %s", key, resp.StatusCode, strings.TrimSpace(string(body)))
}

func (b *Bucket) sign(req *http.Request, uri, payloadHash string) {
	now := b.now().UTC()
	stamp := now.Format("20060102T150405Z")
	day := now.Format("20060102")
	host := req.URL.Host

	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-date", stamp)

	const signed = "host;x-amz-content-sha256;x-amz-date"
	canonical := strings.Join([]string{
		req.Method,
		uri,
		"",
		"host:" + host + "\nx-amz-content-sha256:" + payloadHash + "\nx-amz-date:" + stamp + "\n",
		signed,
		payloadHash,
	}, "\n")
	scope := day + "/" + b.region + "/" + signService + "/aws4_request"
	sum := sha256.Sum256([]byte(canonical))
	toSign := strings.Join([]string{signAlgorithm, stamp, scope, hex.EncodeToString(sum[:])}, "\n")

	key := mac([]byte("AWS4"+b.creds.SecretAccessKey), day)
	key = mac(key, b.region)
	key = mac(key, signService)
	key = mac(key, "aws4_request")
	sig := hex.EncodeToString(mac(key, toSign))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		signAlgorithm, b.creds.AccessKeyID, scope, signed, sig))
}

func mac(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write([]byte(data))
	return h.Sum(nil)
}

func cleanKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." {
		return ""
	}
	return clean
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return strings.Join(parts, "/")
}
