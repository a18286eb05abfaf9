package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"chat-relay/internal/relay"
	"chat-relay/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	afterShutdown []func()
}

// NewServer assembles the HTTP surface around the store, the persist-then-
// broadcast poster and the relay serving the live channel, then applies the
// provided options
func NewServer(logger *zap.SugaredLogger, store *storage.Store, poster MessagePoster, rly *relay.Relay, opts ...Option) (*Server, error) {
	c := &config{
		httpServer: &http.Server{Addr: "0.0.0.0:9000"},
		uploadDir:  "uploads",
	}

	for _, opt := range opts {
		opt.apply(c)
	}

	if err := os.MkdirAll(c.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir %s: %w", c.uploadDir, err)
	}

	h := &handler{
		logger:    logger,
		store:     store,
		poster:    poster,
		admit:     rly.Admit,
		relay:     rly,
		uploadDir: c.uploadDir,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		parsers: parsers{
			messagesByRoomPool: fastjson.ParserPool{},
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/load_message", enforcePostJson(http.HandlerFunc(h.messagesByRoom)))
	mux.Handle("/upload", http.HandlerFunc(h.upload))
	mux.Handle("/file/", http.HandlerFunc(h.download))
	mux.Handle("/ws", http.HandlerFunc(h.liveChannel))

	c.httpServer.Handler = allowCORS(log(mux, logger.Desugar()))

	return &Server{
		logger:        logger,
		httpServer:    c.httpServer,
		afterShutdown: c.afterShutdown,
	}, nil
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
