package seqlog

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/utils"
)

type Options struct {
	pebble.Options

	// Name of the replica in logs and sync handshakes.
	Name string
	// Verifier checks operation signatures; identity.Schemes by default.
	Verifier identity.Verifier
	Logger   utils.Logger

	// MaxPending caps operations parked until their dependencies arrive.
	MaxPending int
	// SeenCacheSize is the number of recently drained record hashes
	// remembered to skip duplicates early.
	SeenCacheSize int

	BroadcastQueueMaxSize   int
	BroadcastQueueTimeLimit time.Duration
	BroadcastQueueBatchSize int

	WriteOptions *pebble.WriteOptions
}

func (o *Options) SetDefaults() {
	if o.Name == "" {
		o.Name = "seqlog"
	}
	if o.Verifier == nil {
		o.Verifier = identity.Schemes{}
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 1 << 16
	}
	if o.SeenCacheSize <= 0 {
		o.SeenCacheSize = 1 << 14
	}
	if o.BroadcastQueueMaxSize <= 0 {
		o.BroadcastQueueMaxSize = 10 << 20
	}
	if o.BroadcastQueueTimeLimit <= 0 {
		o.BroadcastQueueTimeLimit = time.Second
	}
	if o.BroadcastQueueBatchSize <= 0 {
		o.BroadcastQueueBatchSize = 1 << 16
	}
	if o.WriteOptions == nil {
		o.WriteOptions = pebble.Sync
	}
}
