package ground

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kwv/groundalign/internal/logger"
)

func testConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "test", PublishPrefix: "roadside"},
		Sensors: []SensorConfig{
			{ID: "north", Topic: "lidar/north", FrameID: "velodyne_north"},
			{ID: "south", Topic: "lidar/south", FrameID: "velodyne_south"},
		},
		UseLiveEstimation:     true,
		RansacMaxIterations:   100,
		RansacInlierThreshold: 0.05,
	}
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []*Frame
	errs   []error
	ids    []string
}

func (r *frameRecorder) handle(sensorID string, frame *Frame, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, sensorID)
	r.frames = append(r.frames, frame)
	r.errs = append(r.errs, err)
}

func connectedMock(t *testing.T, cfg *Config, handler FrameHandler) (*MockClient, *MQTTClient) {
	t.Helper()
	mock := NewMockClient()
	client := newMQTTClient(context.Background(), mock, cfg, handler)
	mock.SetOnConnect(client.onConnect)
	require.NoError(t, mock.Connect().Error())
	return mock, client
}

func TestNewMQTTClient_Validation(t *testing.T) {
	_, err := NewMQTTClient(context.Background(), nil, nil)
	require.Error(t, err)

	cfg := testConfig()
	cfg.MQTT.Broker = ""
	_, err = NewMQTTClient(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MQTT_BROKER")

	c, err := NewMQTTClient(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	assert.NotNil(t, c.Client())
	assert.False(t, c.IsConnected())
}

func TestMQTTClient_SubscribesOnConnect(t *testing.T) {
	mock, client := connectedMock(t, testConfig(), nil)

	assert.True(t, client.IsConnected())
	assert.True(t, mock.Subscribed("lidar/north"))
	assert.True(t, mock.Subscribed("lidar/south"))

	id, ok := client.SensorByTopic("lidar/south")
	assert.True(t, ok)
	assert.Equal(t, "south", id)
	_, ok = client.SensorByTopic("lidar/east")
	assert.False(t, ok)
}

func TestMQTTClient_DecodesFrames(t *testing.T) {
	var rec frameRecorder
	mock, client := connectedMock(t, testConfig(), rec.handle)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	client.nowFunc = func() time.Time { return at }

	payload, err := EncodeFrameBytes(&Frame{Points: []Point3{{X: 1, Y: 2, Z: 3}}})
	require.NoError(t, err)

	mock.SimulateMessage("lidar/north", payload)
	mock.SimulateMessage("lidar/north", payload)
	mock.SimulateMessage("lidar/south", payload)

	require.Len(t, rec.frames, 3)
	first := rec.frames[0]
	require.NoError(t, rec.errs[0])
	assert.Equal(t, "north", rec.ids[0])
	assert.Equal(t, "velodyne_north", first.ID)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, at, first.Stamp)
	assert.Equal(t, map[string]string{"sensor": "north", "topic": "lidar/north"}, first.Meta)
	assert.Equal(t, []Point3{{X: 1, Y: 2, Z: 3}}, first.Points)

	// Sequence numbers are per sensor
	assert.Equal(t, uint64(2), rec.frames[1].Seq)
	assert.Equal(t, uint64(1), rec.frames[2].Seq)
}

func TestMQTTClient_DecodeError(t *testing.T) {
	var rec frameRecorder
	mock, _ := connectedMock(t, testConfig(), rec.handle)

	mock.SimulateMessage("lidar/north", []byte("garbage"))

	require.Len(t, rec.errs, 1)
	assert.Nil(t, rec.frames[0])
	var fe *FrameError
	require.True(t, errors.As(rec.errs[0], &fe))
	assert.Equal(t, "north", fe.SensorID)
	assert.Equal(t, "velodyne_north", fe.FrameID)
}

func TestMQTTClient_SubscribeError(t *testing.T) {
	mock := NewMockClient()
	mock.SetSubscribeError(errors.New("denied"))
	client := newMQTTClient(context.Background(), mock, testConfig(), nil)
	mock.SetOnConnect(client.onConnect)

	require.NoError(t, mock.Connect().Error())
	assert.True(t, client.IsConnected())
	assert.False(t, mock.Subscribed("lidar/north"))
}

func TestMQTTClient_SubscribeTimeout(t *testing.T) {
	var buf bytes.Buffer
	ctx := logger.ToContext(context.Background(), logger.NewWithWriter(&buf, zap.NewAtomicLevelAt(zap.DebugLevel)))

	mock := NewMockClient()
	mock.SetSubscribeHangs(true)
	client := newMQTTClient(ctx, mock, testConfig(), nil)
	mock.SetOnConnect(client.onConnect)

	require.NoError(t, mock.Connect().Error())
	assert.False(t, mock.Subscribed("lidar/north"))

	out := buf.String()
	assert.Contains(t, out, "subscribe timeout")
	assert.Contains(t, out, "lidar/south")
	assert.NotContains(t, out, "[MQTT] subscribed")
}

func TestMQTTClient_SeqFollowsArrival(t *testing.T) {
	var rec frameRecorder
	mock, _ := connectedMock(t, testConfig(), rec.handle)
	payload, err := EncodeFrameBytes(&Frame{Points: []Point3{{Z: 1}}})
	require.NoError(t, err)

	// An undecodable message still takes a sequence number
	mock.SimulateMessage("lidar/north", []byte("garbage"))
	mock.SimulateMessage("lidar/north", payload)

	require.Len(t, rec.frames, 2)
	require.Error(t, rec.errs[0])
	require.NotNil(t, rec.frames[1])
	assert.Equal(t, uint64(2), rec.frames[1].Seq)
}

func TestMQTTClient_ConnectionLostAndDisconnect(t *testing.T) {
	mock, client := connectedMock(t, testConfig(), nil)

	client.onConnectionLost(mock, errors.New("eof"))
	assert.False(t, client.IsConnected())

	client.setConnected(true)
	client.Disconnect()
	assert.False(t, client.IsConnected())
	assert.False(t, mock.IsConnected())
}

func TestMQTTClient_ConnectWithRetryStopsOnCancel(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnectError(errors.New("refused"))
	client := newMQTTClient(context.Background(), mock, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.connectWithRetry(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("connectWithRetry did not return after cancel")
	}
	assert.False(t, client.IsConnected())
}

func TestMQTTClient_ConnectWithRetrySucceeds(t *testing.T) {
	mock := NewMockClient()
	client := newMQTTClient(context.Background(), mock, testConfig(), nil)
	mock.SetOnConnect(client.onConnect)

	client.connectWithRetry(context.Background())
	assert.True(t, client.IsConnected())
	assert.True(t, mock.Subscribed("lidar/north"))
}
