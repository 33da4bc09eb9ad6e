package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	connected bool
	pubErr    error
	pending   bool
	msgs      []published
	quiesce   uint
}

func (c *fakeClient) Connect() mqtt.Token { c.connected = true; return completedToken(nil) }
func (c *fakeClient) IsConnected() bool   { return c.connected }
func (c *fakeClient) Disconnect(q uint)   { c.quiesce = q; c.connected = false }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if c.pending {
		return &fakeToken{done: make(chan struct{})}
	}
	c.msgs = append(c.msgs, published{topic, qos, retained, payload.([]byte)})
	return completedToken(c.pubErr)
}

func testPublisher(c *fakeClient) *Publisher {
	return &Publisher{client: c, topic: "tempo/no2/status", logger: slog.New(slog.NewTextHandler(io.Discard, nil)), connected: c.connected}
}

func TestPublisher_PublishRetainedJSON(t *testing.T) {
	c := &fakeClient{connected: true}
	p := testPublisher(c)

	s := domain.Status{
		State:     domain.StateDone,
		Phase:     domain.PhaseExporting,
		Files:     []string{"output/no2_grid.xlsx"},
		Message:   "exported 5 observations in 3 cells",
		Cycle:     "c1",
		UpdatedAt: time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), s))

	require.Len(t, c.msgs, 1)
	msg := c.msgs[0]
	assert.Equal(t, "tempo/no2/status", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.True(t, msg.retained)

	var got domain.Status
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, s, got)
}

func TestPublisher_NotConnected(t *testing.T) {
	p := testPublisher(&fakeClient{})
	err := p.Publish(context.Background(), domain.Status{})
	assert.ErrorContains(t, err, "not connected")
}

func TestPublisher_PublishError(t *testing.T) {
	p := testPublisher(&fakeClient{connected: true, pubErr: errors.New("broker rejected")})
	err := p.Publish(context.Background(), domain.Status{})
	assert.ErrorContains(t, err, "broker rejected")
}

func TestPublisher_PublishHonoursContext(t *testing.T) {
	p := testPublisher(&fakeClient{connected: true, pending: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Publish(ctx, domain.Status{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublisher_ConnectAndClose(t *testing.T) {
	c := &fakeClient{}
	p := testPublisher(c)

	require.NoError(t, p.Connect(context.Background()))
	p.setConnected(true)
	assert.True(t, p.IsConnected())

	require.NoError(t, p.Close())
	assert.False(t, p.IsConnected())
	assert.Equal(t, uint(250), c.quiesce)
}
