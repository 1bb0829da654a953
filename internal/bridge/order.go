package bridge

import (
	"context"
	"sync"

	"github.com/rudransh-shrivastava/peer-bridge/internal/control"
	"github.com/rudransh-shrivastava/peer-bridge/internal/swarm"
)

// topicOrder makes membership changes to one topic apply in the order the
// requests were read. Requests for different topics still run concurrently.
type topicOrder struct {
	mu    sync.Mutex
	tails map[swarm.Topic]chan struct{}
}

func newTopicOrder() *topicOrder {
	return &topicOrder{tails: make(map[swarm.Topic]chan struct{})}
}

// turn is a place in a topic's queue.
type turn struct {
	prev <-chan struct{}
	done func()
}

// wait blocks until every earlier request for the topic has finished.
func (t turn) wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enter must be called on the reader goroutine. Requests that do not change
// topic membership, or whose topic does not parse, get a turn that never
// waits.
func (o *topicOrder) enter(req *control.Request) turn {
	if req.Method != control.MethodJoin && req.Method != control.MethodLeave {
		return turn{done: func() {}}
	}
	var args joinArgs
	if err := req.DecodeArgs(&args); err != nil {
		return turn{done: func() {}}
	}
	topic, err := swarm.ParseTopic(args.Topic)
	if err != nil {
		return turn{done: func() {}}
	}

	own := make(chan struct{})
	o.mu.Lock()
	prev := o.tails[topic]
	o.tails[topic] = own
	o.mu.Unlock()

	var once sync.Once
	return turn{
		prev: prev,
		done: func() {
			once.Do(func() {
				close(own)
				o.mu.Lock()
				if o.tails[topic] == own {
					delete(o.tails, topic)
				}
				o.mu.Unlock()
			})
		},
	}
}
