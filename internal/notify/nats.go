package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// publisher is the subset of *nats.Conn used by the sink.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes events on <prefix>.<job type>.<event>.
type NATS struct {
	pub    publisher
	nc     *nats.Conn
	prefix string
}

// ConnectNATS dials url and returns a sink publishing under prefix.
func ConnectNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("gauntlet"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{pub: nc, nc: nc, prefix: prefix}, nil
}

// Name returns the sink identifier.
func (n *NATS) Name() string { return "nats" }

var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Subject returns the subject an event is published on.
func (n *NATS) Subject(e Event) string {
	kind := strings.TrimPrefix(string(e.Kind), "job.")
	parts := []string{subjectToken.Replace(string(e.JobType)), subjectToken.Replace(kind)}
	if n.prefix != "" {
		parts = append([]string{n.prefix}, parts...)
	}
	return strings.Join(parts, ".")
}

// Notify publishes the JSON-encoded event.
func (n *NATS) Notify(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.pub.Publish(n.Subject(e), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (n *NATS) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
	}
}
