// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus is the message bus seam the Dispatcher publishes
// ExecuteActivityCommands on and the Traversal Engine consumes
// ActivityCompletionEvents from. The shipped implementation is
// in-memory, topic-keyed publish/subscribe, grounded on the teacher's
// internal/daemon/queue.MemoryQueue — generalized from a single FIFO
// consumed by one Dequeue loop into fan-out delivery to every
// subscriber of a topic.
package bus

import (
	"context"
	"sync"

	"github.com/tombee/orchestrator/pkg/orchestration"
)

// Topic names recognized by the orchestrator (spec §9).
const (
	ExecuteActivityTopic   = "execute-activity"
	ActivityCompletedTopic = "activity-completed"
)

// Bus is the narrow publish/subscribe seam the rest of the
// orchestrator calls through. A real deployment would implement this
// against NATS, Kafka, RabbitMQ, or SQS without the Dispatcher or
// Traversal Engine changing.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string) (ch <-chan []byte, unsubscribe func())
}

// subscriberBuffer bounds how many undelivered messages a slow
// subscriber can accumulate before Publish blocks on it.
const subscriberBuffer = 256

type topicState struct {
	mu          sync.Mutex
	subscribers map[int]chan []byte
	nextID      int
}

// InMemoryBus is a process-local Bus implementation.
type InMemoryBus struct {
	mu     sync.Mutex
	topics map[string]*topicState
}

// NewInMemoryBus constructs a Bus backed by process memory.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{topics: make(map[string]*topicState)}
}

func (b *InMemoryBus) topicFor(topic string) *topicState {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		t = &topicState{subscribers: make(map[int]chan []byte)}
		b.topics[topic] = t
	}
	return t
}

// Publish delivers payload to every current subscriber of topic. A
// subscriber registered after Publish returns does not receive it —
// there is no replay (spec §9: "at-least-once with idempotent
// consumers", not durable replay).
func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	t := b.topicFor(topic)

	t.mu.Lock()
	chans := make([]chan []byte, 0, len(t.subscribers))
	for _, ch := range t.subscribers {
		chans = append(chans, ch)
	}
	t.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- payload:
		case <-ctx.Done():
			return orchestration.Wrap(orchestration.BusUnavailable, "publish cancelled", ctx.Err())
		}
	}
	return nil
}

// Subscribe registers a new subscriber on topic, returning a
// receive-only channel and an unsubscribe function that releases it.
func (b *InMemoryBus) Subscribe(topic string) (<-chan []byte, func()) {
	t := b.topicFor(topic)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	ch := make(chan []byte, subscriberBuffer)
	t.subscribers[id] = ch
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
	return ch, unsubscribe
}
