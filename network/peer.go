package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/seqlog/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

var WriteBatchBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "seqlog",
	Subsystem: "net",
	Name:      "write_batch_bytes",
	Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
})

var ReadBatchRecords = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "seqlog",
	Subsystem: "net",
	Name:      "read_batch_records",
	Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 500, 1000, 5000},
})

// Peer is one connection. The read loop buffers incoming bytes and
// drains whole records into inout; the write loop feeds records from
// inout and writes them with vectored I/O. Draining runs in a separate
// goroutine so a slow handler doesn't stall the socket reads.
type Peer struct {
	closed         atomic.Bool
	wg             sync.WaitGroup
	lastWriteBatch atomic.Int64

	conn                net.Conn
	inout               protocol.FeedDrainCloserTraced
	incomingBuffer      atomic.Int32
	readAccumtTimeLimit time.Duration
	bufferMaxSize       int
	bufferMinToProcess  int
	writeTimeout        time.Duration
}

func (p *Peer) getReadTimeLimit() time.Duration {
	if p.readAccumtTimeLimit != 0 {
		return p.readAccumtTimeLimit
	}
	return 5 * time.Second
}

// keepRead hands the buffered records over once bufferMinToProcess bytes
// piled up, the buffer hit bufferMaxSize or the accumulation time ran
// out. A record split across reads stays in the buffer for the next round.
func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readChannel := make(chan protocol.Records)
	errChannel := make(chan error, 1)
	signal := make(chan struct{})
	defer close(readChannel)
	defer close(signal)
	go func() {
		for ctx.Err() == nil {
			if _, ok := <-signal; !ok {
				return
			}
			recs, ok := <-readChannel
			if !ok {
				return
			}
			if len(recs) == 0 {
				continue
			}
			ReadBatchRecords.Observe(float64(len(recs)))
			if err := p.inout.Drain(ctx, recs); err != nil {
				errChannel <- err
				return
			}
		}
	}()
	var timelimit *time.Time
	for !p.closed.Load() {
		if len(errChannel) > 0 {
			return <-errChannel
		}
		if buf.Len() < p.bufferMaxSize {
			if buf.Available() < TYPICAL_MTU {
				buf.Grow(TYPICAL_MTU)
			}

			idle := buf.AvailableBuffer()[:buf.Available()]
			if timelimit == nil {
				t := time.Now().Add(p.getReadTimeLimit())
				timelimit = &t
			}
			_ = p.conn.SetReadDeadline(*timelimit)
			if n, err := p.conn.Read(idle); err != nil {
				if errors.Is(err, io.EOF) {
					if buf.Len() == 0 {
						return nil
					}
					// the peer's last words
					select {
					case signal <- struct{}{}:
						recs, _ := protocol.Split(&buf)
						readChannel <- recs
						return nil
					case err := <-errChannel:
						return err
					}
				} else if errors.Is(err, os.ErrDeadlineExceeded) {
					time.Sleep(time.Millisecond)
				} else {
					return err
				}
			} else {
				buf.Write(idle[:n])
			}
		}
		p.incomingBuffer.Store(int32(buf.Len()))

		if buf.Len() == 0 {
			timelimit = nil
			continue
		}
		if (timelimit != nil && time.Now().After(*timelimit)) || buf.Len() >= p.bufferMinToProcess || buf.Len() >= p.bufferMaxSize {
			select {
			case signal <- struct{}{}:
				recs, err := protocol.Split(&buf)
				if err != nil {
					return err
				} else if len(recs) == 0 && buf.Len() >= p.bufferMaxSize {
					return errors.Join(protocol.ErrIncomplete, fmt.Errorf("buffer is not enough to read packet"))
				}
				// the next buffer fills while this batch drains
				readChannel <- recs
				timelimit = nil
			case <-ctx.Done():
				return nil
			default:
			}
		}
	}

	return nil
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

func (p *Peer) GetIncomingPacketBufferSize() int32 {
	return p.incomingBuffer.Load()
}

func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() {
		if ctx.Err() != nil {
			return nil
		}

		recs, err := p.inout.Feed(ctx)
		if len(recs) > 0 {
			batchSize := recs.TotalLen()
			p.lastWriteBatch.Store(batchSize)
			WriteBatchBytes.Observe(float64(batchSize))

			b := net.Buffers(recs)
			if p.writeTimeout != 0 {
				_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			}
			for len(b) > 0 {
				if _, werr := b.WriteTo(p.conn); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}

	return nil
}

// Keep runs both loops until one of them ends. The connection is closed
// only once the writer is done, which also stops the reader.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(1)
	defer p.wg.Done()

	if p.closed.Load() {
		return nil, nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) {
				// we closed it ourselves
				rerr = nil
			}
		case werr = <-writeErrCh:
			if errors.Is(werr, context.Canceled) {
				werr = nil
			}
			cerr = p.conn.Close()
		}
		p.closed.Store(true)
		// a writer blocked in Feed has to notice the reader is gone
		cancel()
	}
	return
}

func (p *Peer) Close() {
	p.closed.Store(true)
	p.wg.Wait()

	if p.conn != nil {
		_ = p.conn.Close()
	}
	_ = p.inout.Close()
}
