package mqtt

// backlog holds retained state values produced while the broker is
// unreachable. Every queued message is a retained state topic, so only the
// newest payload per topic is worth replaying: a later value for the same
// topic coalesces onto the queued entry in place. Replay order follows the
// first time each topic was queued.
type backlog struct {
	limit  int
	order  []string
	latest map[string]string
}

func newBacklog(limit int) *backlog {
	return &backlog{
		limit:  limit,
		latest: make(map[string]string),
	}
}

// put queues or coalesces one retained value. When the topic cap is reached
// the oldest queued topic is dropped to make room.
func (b *backlog) put(topic, payload string) {
	if _, queued := b.latest[topic]; !queued {
		if len(b.order) == b.limit {
			delete(b.latest, b.order[0])
			b.order = b.order[1:]
		}
		b.order = append(b.order, topic)
	}
	b.latest[topic] = payload
}

// drain empties the backlog and returns the surviving (topic, payload)
// pairs in queue order.
func (b *backlog) drain() []retainedState {
	if len(b.order) == 0 {
		return nil
	}
	out := make([]retainedState, 0, len(b.order))
	for _, topic := range b.order {
		out = append(out, retainedState{topic: topic, payload: b.latest[topic]})
	}
	b.order = b.order[:0]
	clear(b.latest)
	return out
}

// retainedState is one replayable retained publish.
type retainedState struct {
	topic   string
	payload string
}
