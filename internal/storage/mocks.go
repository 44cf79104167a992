package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockRedisClient is a mock implementation of RedisClient for testing
type MockRedisClient struct {
	mu         sync.Mutex
	Data       map[string]string
	StreamData []StreamMessage
	PublishErr error
	GetErr     error
	SetErr     error
	PingErr    error
	AckErr     error
	ConsumeErr error

	seq       int
	acked     map[string]bool
	consumers map[string][]chan StreamMessage
}

func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		Data:      make(map[string]string),
		acked:     make(map[string]bool),
		consumers: make(map[string][]chan StreamMessage),
	}
}

func (m *MockRedisClient) PublishToStream(ctx context.Context, stream string, key string, value interface{}) error {
	if m.PublishErr != nil {
		return m.PublishErr
	}
	jsonData, err := json.Marshal(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	msg := StreamMessage{
		ID:     fmt.Sprintf("%d-0", m.seq),
		Stream: stream,
		Values: map[string]interface{}{key: string(jsonData)},
	}
	m.StreamData = append(m.StreamData, msg)
	for _, ch := range m.consumers[stream] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// ConsumeFromStream replays unacknowledged messages of the stream, then
// delivers newly published ones until ctx is done
func (m *MockRedisClient) ConsumeFromStream(ctx context.Context, stream string, group string, consumer string) (<-chan StreamMessage, error) {
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}

	ch := make(chan StreamMessage, 100)

	m.mu.Lock()
	for _, msg := range m.StreamData {
		if msg.Stream == stream && !m.acked[msg.ID] {
			ch <- msg
		}
	}
	m.consumers[stream] = append(m.consumers[stream], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		chans := m.consumers[stream]
		for i, c := range chans {
			if c == ch {
				m.consumers[stream] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (m *MockRedisClient) AcknowledgeMessage(ctx context.Context, stream string, group string, id string) error {
	if m.AckErr != nil {
		return m.AckErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked[id] = true
	return nil
}

// Acked reports whether a stream message was acknowledged
func (m *MockRedisClient) Acked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked[id]
}

func (m *MockRedisClient) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if m.SetErr != nil {
		return false, m.SetErr
	}
	jsonData, err := json.Marshal(value)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Data[key]; exists {
		return false, nil
	}
	m.Data[key] = string(jsonData)
	return true, nil
}

func (m *MockRedisClient) Exists(ctx context.Context, key string) (bool, error) {
	if m.GetErr != nil {
		return false, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.Data[key]
	return exists, nil
}

func (m *MockRedisClient) Ping(ctx context.Context) error {
	return m.PingErr
}

// Messages returns a snapshot of the published stream messages
func (m *MockRedisClient) Messages() []StreamMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StreamMessage(nil), m.StreamData...)
}

func (m *MockRedisClient) Close() error {
	return nil
}
