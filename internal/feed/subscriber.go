// Package feed consumes telegrams published on NATS.
//
// Each message carries one JSON encoded telegram.Request, the same fields
// the HTTP gateway posts. Publishers that use request/reply receive a Reply
// with the ingestion outcome; fire-and-forget publishers are served too.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"sms_receiver/internal/ingest"
	"sms_receiver/internal/telegram"
)

// Ingester commits one telegram.
type Ingester interface {
	Ingest(ctx context.Context, raw telegram.RawTelegram) ingest.Result
}

// Config holds NATS connection settings.
type Config struct {
	URL     string
	Subject string
	Queue   string // Subscribers sharing a queue split the feed.
}

// Reply is sent back to request/reply publishers.
type Reply struct {
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Subscriber feeds NATS messages into an Ingester.
type Subscriber struct {
	ing Ingester
	cfg Config
	log zerolog.Logger

	mu  sync.Mutex
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewSubscriber creates a subscriber. Call Start to connect.
func NewSubscriber(ing Ingester, cfg Config, log zerolog.Logger) *Subscriber {
	return &Subscriber{ing: ing, cfg: cfg, log: log}
}

// Start connects to NATS and subscribes to the configured subject.
func (s *Subscriber) Start() error {
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("sms_receiver"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	sub, err := nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, s.handleMsg)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}

	s.mu.Lock()
	s.nc, s.sub = nc, sub
	s.mu.Unlock()

	s.log.Info().Str("subject", s.cfg.Subject).Str("queue", s.cfg.Queue).Msg("NATS feed subscribed")
	return nil
}

// Stop drains pending messages and closes the connection.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	nc := s.nc
	s.nc, s.sub = nil, nil
	s.mu.Unlock()

	if nc == nil {
		return nil
	}
	// Drain unsubscribes, lets in-flight handlers finish, then closes.
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("drain NATS: %w", err)
	}
	return nil
}

func (s *Subscriber) handleMsg(msg *nats.Msg) {
	reply := s.Handle(context.Background(), msg.Data)
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Error().Err(err).Msg("encode reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn().Err(err).Msg("failed to reply")
	}
}

// Handle ingests one JSON encoded telegram.Request.
func (s *Subscriber) Handle(ctx context.Context, data []byte) Reply {
	var req telegram.Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.log.Warn().Err(err).Msg("undecodable feed message")
		return Reply{Outcome: ingest.Rejected.String(), Reason: ingest.InvalidMessage.String(), Error: err.Error()}
	}

	raw, err := req.ToRaw()
	if err != nil {
		s.log.Warn().Err(err).Msg("incomplete feed message")
		return Reply{Outcome: ingest.Rejected.String(), Reason: ingest.InvalidMessage.String(), Error: err.Error()}
	}

	res := s.ing.Ingest(ctx, raw)
	reply := Reply{
		Outcome:   res.Outcome.String(),
		Reason:    res.Reason.String(),
		Duplicate: res.Duplicate,
	}
	if res.Err != nil {
		reply.Error = res.Err.Error()
	}
	return reply
}
