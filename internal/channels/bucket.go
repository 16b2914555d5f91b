package channels

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/streamer"
)

// Creator is the part of the streamer manager the bucket drives.
type Creator interface {
	Create(srcAddr, srcPort, id, dstAddr string) (*streamer.Session, error)
}

type Option func(*Bucket)

func WithLogger(logger *slog.Logger) Option { return func(b *Bucket) { b.log = logger } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Bucket) { b.metrics = m } }

// Bucket keeps the channel file loaded and its channels published. Like the
// streamer manager it is owned by the loop goroutine.
type Bucket struct {
	path    string
	destIP  string
	creator Creator
	log     *slog.Logger
	metrics *metrics.Metrics

	modTime  time.Time
	size     int64
	channels []Channel
	// Channels already handed to the creator since the last load. They are
	// not recreated after a delete or an orphan reap.
	published map[string]bool
	// Last Create failure per channel, so a channel that keeps failing is
	// only logged when its error changes.
	failures map[string]string
	closed   bool
}

// NewBucket returns a bucket for the channel file at path. An empty path
// yields a bucket with no channels.
func NewBucket(path, destIP string, creator Creator, opts ...Option) *Bucket {
	b := &Bucket{
		path:      path,
		destIP:    destIP,
		creator:   creator,
		published: make(map[string]bool),
		failures:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if b.metrics == nil {
		b.metrics = metrics.New()
	}
	return b
}

// Refresh reloads the channel file when it changed on disk. It reports
// whether a reload happened.
func (b *Bucket) Refresh() bool {
	if b.closed || b.path == "" {
		return false
	}
	fi, err := os.Stat(b.path)
	if err != nil {
		if b.failures[""] != err.Error() {
			b.failures[""] = err.Error()
			b.log.Warn("channel file unavailable", "path", b.path, "err", err)
		}
		return false
	}
	if fi.ModTime().Equal(b.modTime) && fi.Size() == b.size {
		return false
	}

	chans, rowErrs, err := Load(b.path)
	if err != nil {
		b.log.Warn("channel file rejected", "path", b.path, "err", err)
		b.modTime, b.size = fi.ModTime(), fi.Size()
		return false
	}
	for _, rowErr := range rowErrs {
		b.metrics.Inc(metrics.ChannelRowSkipped)
		b.log.Warn("channel row skipped", "err", rowErr)
	}
	b.modTime, b.size = fi.ModTime(), fi.Size()
	b.channels = chans
	b.published = make(map[string]bool)
	b.failures = make(map[string]string)
	b.log.Info("channel file loaded", "path", b.path, "channels", len(chans), "skipped", len(rowErrs))
	return true
}

// Populate creates a session for every channel of the current file load
// that was not published yet. A channel whose session was destroyed or
// reaped stays gone until the file changes. Populate is the periodic
// populate task; Refresh is its reinit hook.
func (b *Bucket) Populate() int {
	if b.closed || b.creator == nil {
		return 0
	}
	created := 0
	for _, ch := range b.channels {
		if b.published[ch.Name] {
			continue
		}
		_, err := b.creator.Create(ch.SourceIP, ch.SourcePort, ch.Name, b.destIP)
		switch {
		case err == nil:
			created++
			b.published[ch.Name] = true
			delete(b.failures, ch.Name)
		case errors.Is(err, streamer.ErrDuplicateID):
			// Created through the API first; that session owns the name.
			b.published[ch.Name] = true
		default:
			if b.failures[ch.Name] != err.Error() {
				b.failures[ch.Name] = err.Error()
				b.log.Warn("channel session create failed", "channel", ch.Name, "err", err)
			}
		}
	}
	return created
}

// Channels returns a copy of the loaded channel list.
func (b *Bucket) Channels() []Channel {
	out := make([]Channel, len(b.channels))
	copy(out, b.channels)
	return out
}

func (b *Bucket) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.channels = nil
	b.published = nil
	b.failures = nil
	b.log.Debug("channel bucket closed")
	return nil
}
