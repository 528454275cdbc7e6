package webassist

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/sidekick/pkg/sessionevents"
)

type ServerOptions struct {
	Addr             string
	IdleTimeout      time.Duration
	EvictionInterval time.Duration
	ShutdownTimeout  time.Duration
}

// Server runs the HTTP surface, the eviction loop and the event bus.
type Server struct {
	manager *SessionManager
	bus     *sessionevents.Bus
	httpSrv *http.Server
	opts    ServerOptions
}

func NewServer(manager *SessionManager, bus *sessionevents.Bus, opts ServerOptions) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	mux := http.NewServeMux()
	NewHandlers(manager).Mount(mux)
	return &Server{
		manager: manager,
		bus:     bus,
		opts:    opts,
		httpSrv: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "could not listen on %s", s.opts.Addr)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.manager.SetEvictionConfig(s.opts.IdleTimeout, s.opts.EvictionInterval)
	s.manager.StartEvictionLoop(ctx)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down sidekick server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		if err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		s.manager.Close()
		if cerr := s.bus.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("event bus close error")
		}
		log.Info().Msg("server shutdown complete")
		return err
	})
	eg.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("starting sidekick server")
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return eg.Wait()
}
