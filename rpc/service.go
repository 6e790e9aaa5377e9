package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/topicmq/internal/rabbitmq"
)

// Service answers requests from the request queue on the response queue
type Service struct {
	consumer  *rabbitmq.Consumer
	publisher *rabbitmq.Publisher
	lookup    LookupFunc
	cfg       config
	logger    *slog.Logger

	setupOnce sync.Once
	setupErr  error
}

// NewService creates a service. The consumer and publisher should run on
// separate connection managers; the service takes ownership of both. The
// publisher should not stamp an expiration on replies (rabbitmq.WithMessageTTL(0)).
func NewService(consumer *rabbitmq.Consumer, publisher *rabbitmq.Publisher, lookup LookupFunc, opts ...Option) *Service {
	cfg := newConfig(opts)
	return &Service{
		consumer:  consumer,
		publisher: publisher,
		lookup:    lookup,
		cfg:       cfg,
		logger:    cfg.logger,
	}
}

// Start declares both queues, connects and begins consuming requests. It can
// be called again after a failure.
func (s *Service) Start(ctx context.Context) error {
	if s.lookup == nil {
		return errors.New("rpc: lookup cannot be nil")
	}

	s.setupOnce.Do(func() {
		topology := queueTopology(s.cfg.requestQueue(), s.cfg.responseQueue())
		s.setupErr = errors.Join(
			s.publisher.Manager().AddSetup(ctx, topology.Setup()),
			s.consumer.Subscribe(ctx, queueTopology(s.cfg.requestQueue()), s.handle),
		)
	})
	if s.setupErr != nil {
		return s.setupErr
	}

	if err := s.publisher.Manager().Connect(ctx); err != nil {
		return fmt.Errorf("rpc: connect publisher: %w", err)
	}
	if err := s.consumer.Manager().Connect(ctx); err != nil {
		return fmt.Errorf("rpc: connect consumer: %w", err)
	}

	s.logger.Info("listening for requests",
		"requestQueue", s.cfg.requestQueue(),
		"responseQueue", s.cfg.responseQueue())
	return nil
}

// Shutdown stops consuming, waits for the request in flight and closes both
// connections. It gives up waiting when ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down service", "requestQueue", s.cfg.requestQueue())

	done := make(chan error, 1)
	go func() {
		done <- closeStack(s.consumer, s.publisher)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle answers one request. Returning nil acknowledges it; an error
// requeues it.
func (s *Service) handle(ctx context.Context, msg *rabbitmq.Message) error {
	id, err := s.parseID(msg.Body)
	if err != nil {
		s.logger.Error("failed to parse request",
			"error", err,
			"correlationId", msg.CorrelationID)
		return err
	}

	s.logger.Info("processing request", "id", id, "correlationId", msg.CorrelationID)

	result, err := s.lookup(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.Warn("lookup found nothing", "id", id, "correlationId", msg.CorrelationID)
		body, _ := json.Marshal(map[string]string{"error": s.cfg.notFoundMessage()})
		return s.reply(ctx, msg, body)
	case err != nil:
		return fmt.Errorf("lookup %s: %w", id, err)
	}

	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode reply for %s: %w", id, err)
	}
	if err := s.reply(ctx, msg, body); err != nil {
		return err
	}

	s.logger.Info("processed request", "id", id, "correlationId", msg.CorrelationID)
	return nil
}

func (s *Service) reply(ctx context.Context, req *rabbitmq.Message, body []byte) error {
	return s.publisher.Publish(ctx, "", s.cfg.responseQueue(), body,
		rabbitmq.WithCorrelationID(req.CorrelationID),
		rabbitmq.WithContentType(contentTypeJSON))
}

// parseID reads the id field, accepting a string or a number
func (s *Service) parseID(body []byte) (string, error) {
	var req map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	raw, ok := req[s.cfg.idField]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrMalformedRequest, s.cfg.idField)
	}

	var v any
	vdec := json.NewDecoder(bytes.NewReader(raw))
	vdec.UseNumber()
	if err := vdec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	switch id := v.(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case json.Number:
		return id.String(), nil
	}
	return "", fmt.Errorf("%w: %q must be a non-empty string or number", ErrMalformedRequest, s.cfg.idField)
}
