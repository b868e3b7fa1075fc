package testutils

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/drpcorg/seqlog"
	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/utils"
)

// SyncData runs one read-write sync session between a and b and returns
// once both sides said bye.
func SyncData(ctx context.Context, a, b seqlog.SyncHost) error {
	synca := seqlog.Syncer{
		Host:          a,
		Mode:          seqlog.SyncRW,
		Name:          "b",
		WaitUntilNone: time.Millisecond,
		Log:           utils.NewDefaultLogger(slog.LevelError),
	}
	syncb := seqlog.Syncer{
		Host:          b,
		Mode:          seqlog.SyncRW,
		Name:          "a",
		WaitUntilNone: time.Millisecond,
		Log:           utils.NewDefaultLogger(slog.LevelError),
	}
	defer syncb.Close()
	defer synca.Close()
	// send handshake from b to a
	if err := protocol.Relay(ctx, &syncb, &synca); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- protocol.Pump(ctx, &syncb, &synca)
	}()
	// send data a -> b
	err := protocol.Pump(ctx, &synca, &syncb)
	if errb := <-done; !errors.Is(errb, io.EOF) {
		return errb
	}
	if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
