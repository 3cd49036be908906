package upnp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-eventhub/internal/subscription"
)

// captured is one request seen by the fake device.
type captured struct {
	method string
	header http.Header
}

type fakeDevice struct {
	mu       sync.Mutex
	requests []captured
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, captured{method: r.Method, header: r.Header.Clone()})
	f.mu.Unlock()
	f.handler(w, r)
}

func (f *fakeDevice) last() captured {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newDevice(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*fakeDevice, string) {
	t.Helper()
	dev := &fakeDevice{handler: handler}
	srv := httptest.NewServer(dev)
	t.Cleanup(srv.Close)
	return dev, srv.URL + "/upnp/event/basicevent1"
}

func TestClient_Subscribe(t *testing.T) {
	dev, url := newDevice(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("SID", "uuid:abc-123")
		w.Header().Set("TIMEOUT", "Second-1800")
		w.WriteHeader(http.StatusOK)
	})

	c := New(Config{})
	grant, err := c.Subscribe(context.Background(), url, "http://10.0.0.2:8989/sub/basicevent", 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "uuid:abc-123", grant.SID)
	assert.Equal(t, 1800*time.Second, grant.Timeout)

	req := dev.last()
	assert.Equal(t, MethodSubscribe, req.method)
	assert.Equal(t, "<http://10.0.0.2:8989/sub/basicevent>", req.header.Get("CALLBACK"))
	assert.Equal(t, "upnp:event", req.header.Get("NT"))
	assert.Equal(t, "Second-300", req.header.Get("TIMEOUT"))
	assert.Empty(t, req.header.Get("SID"))
}

func TestClient_SubscribeWithoutSID(t *testing.T) {
	_, url := newDevice(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	_, err := New(Config{}).Subscribe(context.Background(), url, "http://cb", time.Minute)
	var terr *subscription.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "subscribe", terr.Op)
}

func TestClient_Renew(t *testing.T) {
	dev, url := newDevice(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("TIMEOUT", "Second-600")
	})

	grant, err := New(Config{}).Renew(context.Background(), url, "uuid:abc-123", 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "uuid:abc-123", grant.SID, "SID kept when the device omits it")
	assert.Equal(t, 600*time.Second, grant.Timeout)

	req := dev.last()
	assert.Equal(t, MethodSubscribe, req.method)
	assert.Equal(t, "uuid:abc-123", req.header.Get("SID"))
	assert.Empty(t, req.header.Get("CALLBACK"))
	assert.Empty(t, req.header.Get("NT"))
}

func TestClient_RenewPreconditionFailed(t *testing.T) {
	_, url := newDevice(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	})

	_, err := New(Config{}).Renew(context.Background(), url, "uuid:gone", time.Minute)
	assert.ErrorIs(t, err, subscription.ErrPreconditionFailed)

	var terr *subscription.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusPreconditionFailed, terr.Status)
}

func TestClient_ErrorStatus(t *testing.T) {
	_, url := newDevice(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := New(Config{}).Subscribe(context.Background(), url, "http://cb", time.Minute)
	var terr *subscription.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusInternalServerError, terr.Status)
	assert.NotErrorIs(t, err, subscription.ErrPreconditionFailed)
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(Config{RequestTimeout: time.Second}).Unsubscribe(context.Background(), url, "uuid:x")
	var terr *subscription.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Zero(t, terr.Status)
	assert.Equal(t, "unsubscribe", terr.Op)
}

func TestClient_Unsubscribe(t *testing.T) {
	dev, url := newDevice(t, func(w http.ResponseWriter, _ *http.Request) {})

	require.NoError(t, New(Config{}).Unsubscribe(context.Background(), url, "uuid:abc"))
	req := dev.last()
	assert.Equal(t, MethodUnsubscribe, req.method)
	assert.Equal(t, "uuid:abc", req.header.Get("SID"))
}

func TestParseTimeout(t *testing.T) {
	requested := 5 * time.Minute
	infinite := time.Hour

	tests := []struct {
		value string
		want  time.Duration
	}{
		{"Second-300", 300 * time.Second},
		{"second-42", 42 * time.Second},
		{" Second-10 ", 10 * time.Second},
		{"Second-infinite", infinite},
		{"Second-INFINITE", infinite},
		{"Second-999999", infinite},
		{"", requested},
		{"Second-", requested},
		{"Second-abc", requested},
		{"Second--5", requested},
		{"Minute-5", requested},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseTimeout(tt.value, requested, infinite))
		})
	}
}

func TestFormatTimeout(t *testing.T) {
	assert.Equal(t, "Second-300", FormatTimeout(300*time.Second))
	assert.Equal(t, "Second-1", FormatTimeout(0))
	assert.Equal(t, "Second-1", FormatTimeout(1500*time.Millisecond))
}
