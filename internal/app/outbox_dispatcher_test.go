package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/pkg/rabbitmq"
)

type outboxStoreStub struct {
	messages  []store.OutboxMessage
	published []int64
	failed    map[int64]int
}

func (s *outboxStoreStub) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	claimed := s.messages
	s.messages = nil
	return claimed, nil
}

func (s *outboxStoreStub) MarkOutboxPublished(ctx context.Context, id int64) error {
	s.published = append(s.published, id)
	return nil
}

func (s *outboxStoreStub) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if s.failed == nil {
		s.failed = map[int64]int{}
	}
	s.failed[id] = retryAfterSeconds
	return nil
}

type publisherStub struct {
	failRoutingKey string
	bodies         map[string]json.RawMessage
	closed         bool
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if routingKey == p.failRoutingKey {
		return errors.New("channel closed")
	}
	if p.bodies == nil {
		p.bodies = map[string]json.RawMessage{}
	}
	p.bodies[routingKey] = body.(json.RawMessage)
	return nil
}

func (p *publisherStub) Close() { p.closed = true }

func TestOutboxDispatcher_FlushPublishesAndReschedulesFailures(t *testing.T) {
	repo := &outboxStoreStub{messages: []store.OutboxMessage{
		{ID: 1, Exchange: "security.events", RoutingKey: "security.check.created", Payload: []byte(`{"status":"pending"}`)},
		{ID: 2, Exchange: "security.events", RoutingKey: "security.check.broken", Payload: []byte(`{}`), Attempts: 3},
		{ID: 3, Exchange: "security.events", RoutingKey: "security.check.accepted", Payload: []byte(`{"status":"accepted"}`)},
	}}
	var opened []*publisherStub
	factory := func() (rabbitmq.Publisher, error) {
		p := &publisherStub{failRoutingKey: "security.check.broken"}
		opened = append(opened, p)
		return p, nil
	}

	dispatcher := NewOutboxDispatcher(repo, factory, 0, zap.NewNop())
	if err := dispatcher.flushOnce(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(repo.published) != 2 || repo.published[0] != 1 || repo.published[1] != 3 {
		t.Fatalf("expected messages 1 and 3 published, got %v", repo.published)
	}
	if repo.failed[2] != 8 {
		t.Fatalf("expected message 2 retried after 8s, got %d", repo.failed[2])
	}
	if len(opened) != 2 || !opened[0].closed {
		t.Fatalf("expected the producer to be reopened after a failure, opened %d", len(opened))
	}
	if string(opened[1].bodies["security.check.accepted"]) != `{"status":"accepted"}` {
		t.Fatalf("expected payload to be published verbatim, got %s", opened[1].bodies["security.check.accepted"])
	}
}

func TestOutboxDispatcher_ProducerUnavailable(t *testing.T) {
	repo := &outboxStoreStub{messages: []store.OutboxMessage{{ID: 9, RoutingKey: "security.check.created", Payload: []byte(`{}`)}}}
	factory := func() (rabbitmq.Publisher, error) { return nil, errors.New("dial refused") }

	dispatcher := NewOutboxDispatcher(repo, factory, 0, zap.NewNop())
	if err := dispatcher.flushOnce(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, ok := repo.failed[9]; !ok {
		t.Fatal("expected message to be marked failed")
	}
	if len(repo.published) != 0 {
		t.Fatal("did not expect anything to be published")
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	cases := map[int]int{0: 1, 1: 2, 3: 8, 8: 256, 20: 256}
	for attempt, want := range cases {
		if got := retryDelaySeconds(attempt); got != want {
			t.Fatalf("attempt %d: expected %d, got %d", attempt, want, got)
		}
	}
}
