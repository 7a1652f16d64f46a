package cmds

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func newHTTPServer(addr string, h http.Handler) *http.Server {
	// no write timeout: chat streams and websockets are long lived
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// serveUntilSignal runs srv until ctx is cancelled or the process receives
// SIGINT/SIGTERM, then shuts it down. onShutdown runs after the listener has
// stopped.
func serveUntilSignal(ctx context.Context, srv *http.Server, logger zerolog.Logger, onShutdown func()) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg := errgroup.Group{}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancelShutdown()
		err := srv.Shutdown(shutdownCtx)
		if onShutdown != nil {
			onShutdown()
		}
		if err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
			return err
		}
		logger.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		defer cancel()
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
