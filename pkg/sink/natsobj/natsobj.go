// Package natsobj implements a [sink.Sink] on top of a NATS JetStream object
// store bucket.
//
// Every artifact becomes one object named <batch>/<run>/<index>.<ext>. Each
// Flush also rewrites <batch>/<run>/manifest.json, a JSON array with the
// records of every object flushed for that run so far.
package natsobj

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/MrWong99/narrator/pkg/sink"
	"github.com/MrWong99/narrator/pkg/types"
)

// ManifestEntry is one element of a run manifest.
type ManifestEntry struct {
	sink.Record
	Object string `json:"object"`
}

type pending struct {
	audio []byte
	rec   sink.Record
}

// Sink writes artifacts into a JetStream object store bucket.
type Sink struct {
	bucket string
	store  nats.ObjectStore

	mu        sync.Mutex
	pending   []pending
	manifests map[string][]ManifestEntry // keyed by "<batch>/<run>"
}

var _ sink.Sink = (*Sink)(nil)

// New creates the bucket, or binds to it when it already exists, and returns
// a Sink writing into it.
func New(js nats.JetStreamContext, bucket string) (*Sink, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "narrator generated audio",
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("nats sink: create bucket %q: %w", bucket, err)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, fmt.Errorf("nats sink: bind bucket %q: %w", bucket, err)
		}
	}
	return &Sink{bucket: bucket, store: store, manifests: make(map[string][]ManifestEntry)}, nil
}

// Append buffers the artifact until the next Flush.
func (s *Sink) Append(_ context.Context, _ types.SpeakableItem, audio []byte, rec sink.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pending{audio: audio, rec: rec})
	return nil
}

// Flush uploads every buffered artifact, then the manifests of the runs they
// belong to. Uploaded artifacts leave the buffer even if a later upload
// fails.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}

	touched := make(map[string]bool)
	written := 0
	var flushErr error
	for _, p := range s.pending {
		if err := ctx.Err(); err != nil {
			flushErr = err
			break
		}
		key := p.rec.ObjectKey(sink.Ext(p.audio))
		if _, err := s.store.PutBytes(key, p.audio); err != nil {
			flushErr = fmt.Errorf("nats sink: put %q to bucket %q: %w", key, s.bucket, err)
			break
		}
		run := path.Dir(key)
		s.manifests[run] = append(s.manifests[run], ManifestEntry{Record: p.rec, Object: key})
		touched[run] = true
		written++
	}
	s.pending = s.pending[written:]

	for run := range touched {
		if err := s.putManifest(run); err != nil {
			flushErr = errors.Join(flushErr, err)
		}
	}
	return flushErr
}

func (s *Sink) putManifest(run string) error {
	data, err := json.Marshal(s.manifests[run])
	if err != nil {
		return fmt.Errorf("nats sink: encode manifest: %w", err)
	}
	key := run + "/manifest.json"
	if _, err := s.store.PutBytes(key, data); err != nil {
		return fmt.Errorf("nats sink: put %q to bucket %q: %w", key, s.bucket, err)
	}
	return nil
}

// Download returns the object stored under key.
func (s *Sink) Download(_ context.Context, key string) ([]byte, error) {
	data, err := s.store.GetBytes(key)
	if err != nil {
		return nil, fmt.Errorf("nats sink: get %q from bucket %q: %w", key, s.bucket, err)
	}
	return data, nil
}

// Ping checks that the bucket is reachable. It is used as a readiness check.
func (s *Sink) Ping(_ context.Context) error {
	if _, err := s.store.Status(); err != nil {
		return fmt.Errorf("nats sink: bucket %q: %w", s.bucket, err)
	}
	return nil
}
