package backup

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Uploader is the remote side of a Mirror; *Bucket implements it.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Options struct {
	// Root is the local directory object keys are made relative to.
	Root   string
	Prefix string

	Workers       int
	QueueCapacity int
	// EnqueueWait is how long Enqueue may block on a full queue before it
	// drops the file.
	EnqueueWait time.Duration
	Attempts    int
	Backoff     time.Duration

	Logger *log.Logger
}

type Stats struct {
	Queued   int
	Capacity int
	Enqueued uint64
	Dropped  uint64
	Uploaded uint64
	Failed   uint64
	// LastUpload is the unix time of the last successful upload, 0 if none.
	LastUpload int64
}

// Mirror uploads local files on a small worker pool. Enqueue never blocks
// for long: a turn commit must not wait on the network.
type Mirror struct {
	up   Uploader
	opts Options
	root string

	jobs chan string
	wg   sync.WaitGroup
	once sync.Once

	enqueued   atomic.Uint64
	dropped    atomic.Uint64
	uploaded   atomic.Uint64
	failed     atomic.Uint64
	lastUpload atomic.Int64
}

func NewMirror(up Uploader, opts Options) (*Mirror, error) {
	if up == nil {
		return nil, fmt.Errorf("backup: nil uploader")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")

	m := &Mirror{up: up, opts: opts, root: root, jobs: make(chan string, opts.QueueCapacity)}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.upload(p)
			}
		}()
	}
	return m, nil
}

// Enqueue schedules localPath for upload. A nil Mirror ignores it.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
		return
	default:
	}
	t := time.NewTimer(m.opts.EnqueueWait)
	defer t.Stop()
	select {
	case m.jobs <- localPath:
	case <-t.C:
		n := m.dropped.Add(1)
		m.opts.Logger.Printf("backup queue full, dropped %s (dropped=%d)", localPath, n)
	}
}

// Close stops accepting files and waits for queued uploads.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.jobs) })
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Queued:     len(m.jobs),
		Capacity:   cap(m.jobs),
		Enqueued:   m.enqueued.Load(),
		Dropped:    m.dropped.Load(),
		Uploaded:   m.uploaded.Load(),
		Failed:     m.failed.Load(),
		LastUpload: m.lastUpload.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, err := m.Key(localPath)
	if err != nil {
		m.failed.Add(1)
		m.opts.Logger.Printf("backup skip %s: %v", localPath, err)
		return
	}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			m.uploaded.Add(1)
			m.lastUpload.Store(time.Now().Unix())
			return
		}
		if attempt >= m.opts.Attempts {
			break
		}
		time.Sleep(time.Duration(attempt*attempt) * m.opts.Backoff)
	}
	m.failed.Add(1)
	m.opts.Logger.Printf("backup upload %s failed after %d attempts: %v", key, m.opts.Attempts, err)
}

// Key maps a file under Root to its object key.
func (m *Mirror) Key(localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, m.root)
	}
	if m.opts.Prefix != "" {
		rel = path.Join(m.opts.Prefix, rel)
	}
	return rel, nil
}
