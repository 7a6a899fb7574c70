package unit

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/ilocn/warden/internal/protocol"
)

// RunChild is the body of a unit process. It runs work for spec, writing each
// event to out as one wire-encoded line. SIGTERM and SIGINT cancel the
// work's context; SIGKILL is left to the OS. If out stops accepting writes
// the supervisor is gone, so the work is cancelled too.
func RunChild(ctx context.Context, spec Spec, work Work, out io.Writer, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info("unit starting", zap.String("payload", spec.Payload))

	var mu sync.Mutex
	emit := func(ev protocol.Event) {
		line, err := protocol.MarshalEvent(ev)
		if err != nil {
			log.Error("encode event", zap.Error(err))
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, err := out.Write(append(line, '\n')); err != nil {
			log.Warn("supervisor stopped reading, cancelling", zap.Error(err))
			cancel()
			return
		}
		log.Debug("event", zap.String("kind", string(ev.Kind())))
	}

	Execute(ctx, spec.ID, spec.Payload, work, emit)

	if ctx.Err() != nil {
		log.Info("unit stopped", zap.NamedError("cause", context.Cause(ctx)))
	} else {
		log.Info("unit finished")
	}
	log.Sync() //nolint:errcheck
}
