package agents

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	audiosession "github.com/bt-bridge/audio-session"
	"github.com/bt-bridge/audio-session/shared"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type fakeToggler struct {
	mu      sync.Mutex
	state   audiosession.SessionState
	toggles int
	closes  int
}

func (f *fakeToggler) Toggle(context.Context) audiosession.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles++
	if f.state == audiosession.SessionIdle {
		f.state = audiosession.SessionRecording
	} else {
		f.state = audiosession.SessionIdle
	}
	return f.state
}

func (f *fakeToggler) State() audiosession.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeToggler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.state = audiosession.SessionIdle
	return nil
}

func (f *fakeToggler) counts() (toggles, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toggles, f.closes
}

func startControl(t *testing.T, toggler Toggler) *fasthttp.Client {
	t.Helper()
	cs, err := NewControlServer(context.Background(), shared.NewNopLogger(), toggler)
	require.NoError(t, err)

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = cs.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = cs.Shutdown(ctx)
		_ = ln.Close()
	})

	return &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}
}

func doRequest(t *testing.T, client *fasthttp.Client, method, path string) (int, controlState) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI("http://control" + path)
	require.NoError(t, client.DoTimeout(req, resp, 2*time.Second))

	var state controlState
	if resp.StatusCode() == fasthttp.StatusOK {
		require.Equal(t, "application/json", string(resp.Header.ContentType()))
		require.NoError(t, sonic.Unmarshal(resp.Body(), &state))
	}
	return resp.StatusCode(), state
}

func TestNewControlServerValidation(t *testing.T) {
	_, err := NewControlServer(context.Background(), nil, &fakeToggler{})
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = NewControlServer(context.Background(), shared.NewNopLogger(), nil)
	assert.Error(t, err)
}

func TestControlServerStateAndToggle(t *testing.T) {
	toggler := &fakeToggler{}
	client := startControl(t, toggler)

	status, state := doRequest(t, client, fasthttp.MethodGet, "/state")
	require.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, controlState{Recording: false, State: "idle", Label: audiosession.LabelStartRecording}, state)

	status, state = doRequest(t, client, fasthttp.MethodPost, "/toggle")
	require.Equal(t, fasthttp.StatusOK, status)
	assert.True(t, state.Recording)
	assert.Equal(t, audiosession.LabelStopRecording, state.Label)

	status, state = doRequest(t, client, fasthttp.MethodGet, "/state")
	require.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "recording", state.State)

	status, state = doRequest(t, client, fasthttp.MethodPost, "/toggle")
	require.Equal(t, fasthttp.StatusOK, status)
	assert.False(t, state.Recording)
	assert.Equal(t, audiosession.LabelStartRecording, state.Label)

	toggles, _ := toggler.counts()
	assert.Equal(t, 2, toggles)
}

func TestControlServerRejectsUnknownRoutes(t *testing.T) {
	toggler := &fakeToggler{}
	client := startControl(t, toggler)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"toggle via GET", fasthttp.MethodGet, "/toggle", fasthttp.StatusMethodNotAllowed},
		{"state via POST", fasthttp.MethodPost, "/state", fasthttp.StatusMethodNotAllowed},
		{"unknown path", fasthttp.MethodGet, "/record", fasthttp.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := doRequest(t, client, tt.method, tt.path)
			assert.Equal(t, tt.status, status)
		})
	}

	toggles, _ := toggler.counts()
	assert.Zero(t, toggles, "rejected requests must not toggle")
}

func TestControlServerServeTwice(t *testing.T) {
	cs, err := NewControlServer(context.Background(), shared.NewNopLogger(), &fakeToggler{})
	require.NoError(t, err)

	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()
	go func() { _ = cs.Serve(ln) }()

	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	status, _ := doRequest(t, client, fasthttp.MethodGet, "/state")
	require.Equal(t, fasthttp.StatusOK, status)

	other := fasthttputil.NewInmemoryListener()
	defer other.Close()
	assert.ErrorIs(t, cs.Serve(other), shared.ErrControlAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, cs.Shutdown(ctx))
}
