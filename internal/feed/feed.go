// Package feed publishes route and session events to Kafka for
// downstream RIB ingesters. Raw UPDATE payloads ride along (zstd-
// compressed when compression is enabled) so consumers can re-parse
// with full fidelity.
package feed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/routerd/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// Options configures the publisher.
type Options struct {
	Brokers  []string
	ClientID string
	Topic    string
	TLS      *tls.Config
	SASL     sasl.Mechanism
	Compress bool
}

// Event is the published envelope.
type Event struct {
	Kind      string `json:"kind"` // "update" or "session"
	Peer      string `json:"peer"`
	Timestamp int64  `json:"ts_unix_ns"`
	// Established is meaningful for session events.
	Established bool `json:"established,omitempty"`
	// Raw carries the UPDATE bytes for update events, zstd-compressed
	// when Compressed is set (the publisher's Compress option).
	Raw        []byte `json:"raw,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
}

// Publisher is the Kafka sink. Nil-safe: a nil publisher drops events,
// so wiring stays unconditional.
type Publisher struct {
	client  *kgo.Client
	topic   string
	encoder *zstd.Encoder
	logger  *zap.Logger
}

func NewPublisher(opts Options, logger *zap.Logger) (*Publisher, error) {
	kopts := []kgo.Opt{
		kgo.SeedBrokers(opts.Brokers...),
		kgo.ClientID(opts.ClientID),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
	}
	if opts.TLS != nil {
		kopts = append(kopts, kgo.DialTLSConfig(opts.TLS))
	}
	if opts.SASL != nil {
		kopts = append(kopts, kgo.SASL(opts.SASL))
	}
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, err
	}
	p := &Publisher{client: client, topic: opts.Topic, logger: logger}
	if opts.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		p.encoder = enc
	}
	return p, nil
}

// Close flushes and releases the client.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}

func (p *Publisher) publish(ev *Event) {
	if p == nil {
		return
	}
	ev.Timestamp = time.Now().UnixNano()
	value, err := json.Marshal(ev)
	if err != nil {
		return
	}
	rec := &kgo.Record{Topic: p.topic, Key: []byte(ev.Peer), Value: value}
	p.client.Produce(context.Background(), rec, func(_ *kgo.Record, err error) {
		if err != nil {
			metrics.FeedPublishErrorsTotal.WithLabelValues(p.topic).Inc()
			p.logger.Warn("feed publish failed", zap.Error(err))
			return
		}
		metrics.FeedPublishTotal.WithLabelValues(p.topic, ev.Kind).Inc()
	})
}

// PeerSession publishes a session up/down event.
func (p *Publisher) PeerSession(peer string, established bool) {
	p.publish(&Event{Kind: "session", Peer: peer, Established: established})
}

// RouteUpdate publishes a raw UPDATE observed from peer.
func (p *Publisher) RouteUpdate(peer string, raw []byte) {
	if p == nil {
		return
	}
	ev := &Event{Kind: "update", Peer: peer, Raw: raw}
	if p.encoder != nil {
		ev.Raw = p.encoder.EncodeAll(raw, nil)
		ev.Compressed = true
	}
	p.publish(ev)
}
