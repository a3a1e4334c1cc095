package network

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/config"
)

// SessionHandler drives the protocol for one accepted chat connection.
// It owns the connection until it returns; the listener registers and
// deregisters around the call.
type SessionHandler interface {
	HandleConnection(ctx context.Context, conn *Connection)
}

// ChatListener accepts chat client TCP connections and hands each one to
// the session layer on its own goroutine.
type ChatListener struct {
	cfg      *config.Config
	registry *Registry
	handler  SessionHandler
	listener net.Listener
}

// NewChatListener creates a chat listener.
func NewChatListener(cfg *config.Config, registry *Registry, handler SessionHandler) *ChatListener {
	return &ChatListener{
		cfg:      cfg,
		registry: registry,
		handler:  handler,
	}
}

// Start begins accepting connections and blocks until ctx is cancelled.
func (l *ChatListener) Start(ctx context.Context) error {
	srv := l.cfg.GetServer()
	addr := fmt.Sprintf("%s:%d", srv.BindAddress, srv.ChatPort)

	// SO_REUSEADDR allows immediate rebinding after restart.
	lc := ReuseAddrListenConfig()
	var err error
	l.listener, err = lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start chat listener on %s: %w", addr, err)
	}

	log.Info().Str("addr", addr).Msg("chat listener started")

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		rawConn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("chat listener stopping")
				return nil
			default:
				log.Error().Err(err).Msg("failed to accept chat connection")
				continue
			}
		}

		conn := NewConnection(rawConn)
		log.Debug().
			Uint64("conn_id", conn.ID()).
			Str("remote", rawConn.RemoteAddr().String()).
			Msg("new chat connection")

		l.registry.Register(conn)

		go func() {
			defer l.registry.Unregister(conn.ID())
			l.handler.HandleConnection(ctx, conn)
		}()
	}
}

// Stop closes the listening socket.
func (l *ChatListener) Stop() error {
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
