package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"agent_runtime/pkg/logging"
)

// SubjectPrefix is the first token of every event subject.
const SubjectPrefix = "agent"

// SubjectForEvent returns the subject an event of type t in session is
// published on, e.g. "agent.s1.tool_call".
func SubjectForEvent(session string, t Type) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, session, t)
}

// SubjectForSession returns the wildcard subject for all events of session.
func SubjectForSession(session string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, session)
}

// NATSPublisher publishes CBOR-encoded events.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher publishes on conn.
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// Handle implements Handler.
func (p *NATSPublisher) Handle(ctx context.Context, e Event) error {
	data, err := Marshal(e)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(SubjectForEvent(e.SessionID, e.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

// Broker is an embedded, in-process NATS server with one client connection.
type Broker struct {
	server *server.Server
	conn   *nats.Conn
}

// EmbeddedOptions configures StartEmbedded.
type EmbeddedOptions struct {
	// StoreDir enables JetStream file storage when non-empty.
	StoreDir string

	// Port exposes the broker to external subscribers. Zero keeps it
	// in-process only.
	Port int
}

// StartEmbedded starts a NATS server and connects to it in-process.
func StartEmbedded(ctx context.Context, eo EmbeddedOptions) (*Broker, error) {
	log := logging.FromContext(ctx)

	opts := &server.Options{
		DontListen: eo.Port == 0,
		Port:       eo.Port,
		JetStream:  eo.StoreDir != "",
		StoreDir:   eo.StoreDir,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("nats server failed to start within timeout")
	}

	conn, err := nats.Connect("", nats.InProcessServer(ns))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}

	log.Debug("embedded nats ready", "jetstream", opts.JetStream, "port", eo.Port)
	return &Broker{server: ns, conn: conn}, nil
}

// Conn returns the broker's in-process connection.
func (b *Broker) Conn() *nats.Conn {
	return b.conn
}

// Shutdown drains the connection and stops the server, each with a bounded
// wait.
func (b *Broker) Shutdown(ctx context.Context) error {
	log := logging.FromContext(ctx)

	if b.conn != nil {
		drained := make(chan error, 1)
		go func() { drained <- b.conn.Drain() }()
		select {
		case err := <-drained:
			if err != nil {
				log.Warn("nats drain failed, forcing close", "error", err)
				b.conn.Close()
			}
		case <-time.After(2 * time.Second):
			log.Warn("nats drain timed out, forcing close")
			b.conn.Close()
		}
	}

	if b.server == nil {
		return nil
	}
	b.server.Shutdown()
	stopped := make(chan struct{})
	go func() {
		b.server.WaitForShutdown()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("nats server shutdown timed out")
	}
}
