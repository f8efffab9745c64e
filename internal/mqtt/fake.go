package mqtt

// FakeConn is a test double recording publishes and subscriptions.
type FakeConn struct {
	Connected  bool
	Published  []FakeMessage
	Subscribed []string
	Closed     bool

	PublishError error
}

// FakeMessage is a recorded publish.
type FakeMessage struct {
	Topic    string
	Payload  string
	QoS      byte
	Retained bool
}

// NewFakeConn creates a connected FakeConn.
func NewFakeConn() *FakeConn {
	return &FakeConn{Connected: true}
}

// IsConnected reports the scripted connection state.
func (f *FakeConn) IsConnected() bool { return f.Connected }

// Publish records the message.
func (f *FakeConn) Publish(topic string, qos byte, retained bool, payload string) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Published = append(f.Published, FakeMessage{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

// Subscribe records the topics.
func (f *FakeConn) Subscribe(topics []string) error {
	f.Subscribed = append(f.Subscribed, topics...)
	return nil
}

// Close marks the connection closed.
func (f *FakeConn) Close() { f.Closed = true }

// LastOn returns the most recent payload published to topic, or "".
func (f *FakeConn) LastOn(topic string) string {
	for i := len(f.Published) - 1; i >= 0; i-- {
		if f.Published[i].Topic == topic {
			return f.Published[i].Payload
		}
	}
	return ""
}

// CountOn returns how many publishes went to topic.
func (f *FakeConn) CountOn(topic string) int {
	n := 0
	for _, m := range f.Published {
		if m.Topic == topic {
			n++
		}
	}
	return n
}
