package topology

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"oko-live/codec"
)

func camerasServer(t *testing.T, body *atomic.Value, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/cameras" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		assert.Equal(t, "session=abc", r.Header.Get("Cookie"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body.Load().(string)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(t *testing.T, url string) *Client {
	return NewClient(ClientConfig{
		BaseURL: url + "/",
		Timeout: time.Second,
		Header:  http.Header{"Cookie": []string{"session=abc"}},
	}, zaptest.NewLogger(t))
}

type submitted struct {
	mu     sync.Mutex
	events []codec.Event
	err    error
}

func (s *submitted) SubmitEvent(_ context.Context, ev codec.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func TestFetchCameras(t *testing.T) {
	var body atomic.Value
	body.Store(`[
		{"camera_id":2,"camera_name":"Yard","can_control":false,"can_view":true},
		{"camera_id":0,"camera_name":"broken","can_control":false,"can_view":true},
		{"camera_id":1,"camera_name":"Door","can_control":true,"can_view":false}
	]`)
	srv := camerasServer(t, &body, nil)

	cameras, err := testClient(t, srv.URL).FetchCameras(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Camera{
		{ID: 2, Name: "Yard", CanView: true},
		{ID: 1, Name: "Door", CanControl: true},
	}, cameras)
}

func TestFetchCamerasErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "login required", http.StatusUnauthorized)
			},
			wantErr: "status 401: login required",
		},
		{
			name: "bad json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"cameras":`))
			},
			wantErr: "failed to decode cameras",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := testClient(t, srv.URL).FetchCameras(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDirectoryLoadSubmitsViewableCameras(t *testing.T) {
	var body atomic.Value
	body.Store(`[
		{"camera_id":1,"camera_name":"Door","can_control":true,"can_view":true},
		{"camera_id":2,"camera_name":"Office","can_control":false,"can_view":false},
		{"camera_id":3,"camera_name":"Yard","can_control":false,"can_view":true}
	]`)
	srv := camerasServer(t, &body, nil)

	dir := NewDirectory(testClient(t, srv.URL), zaptest.NewLogger(t))
	defer dir.Close()

	sink := &submitted{}
	require.NoError(t, dir.Load(context.Background(), sink))

	assert.Equal(t, []codec.Event{
		codec.TopologyChange{Kind: codec.Added, Camera: 1},
		codec.TopologyChange{Kind: codec.Added, Camera: 3},
	}, sink.events)

	assert.True(t, dir.CanView(1))
	assert.False(t, dir.CanView(2))
	assert.True(t, dir.CanView(99), "unknown cameras are allowed")

	cam, ok := dir.Camera(3)
	require.True(t, ok)
	assert.Equal(t, "Yard", cam.Name)
	assert.Len(t, dir.Cameras(), 3)
	assert.Equal(t, codec.CameraID(1), dir.Cameras()[0].ID)
}

func TestDirectoryLoadPropagatesErrors(t *testing.T) {
	var body atomic.Value
	body.Store(`[{"camera_id":1,"camera_name":"Door","can_control":true,"can_view":true}]`)
	srv := camerasServer(t, &body, nil)

	dir := NewDirectory(testClient(t, srv.URL), zaptest.NewLogger(t))
	defer dir.Close()

	boom := errors.New("queue closed")
	err := dir.Load(context.Background(), &submitted{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestDirectoryCameraUpdatedRefetches(t *testing.T) {
	var body atomic.Value
	var hits atomic.Int32
	body.Store(`[{"camera_id":1,"camera_name":"Door","can_control":false,"can_view":true}]`)
	srv := camerasServer(t, &body, &hits)

	dir := NewDirectory(testClient(t, srv.URL), zaptest.NewLogger(t))
	defer dir.Close()

	_, err := dir.Refresh(context.Background())
	require.NoError(t, err)

	body.Store(`[{"camera_id":1,"camera_name":"Front door","can_control":false,"can_view":false}]`)
	dir.CameraUpdated(1)

	require.Eventually(t, func() bool {
		cam, ok := dir.Camera(1)
		return ok && cam.Name == "Front door"
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, dir.CanView(1))
	assert.GreaterOrEqual(t, hits.Load(), int32(2))
}

func TestDirectoryCloseStopsRefresh(t *testing.T) {
	var body atomic.Value
	body.Store(`[]`)
	srv := camerasServer(t, &body, nil)

	dir := NewDirectory(testClient(t, srv.URL), zaptest.NewLogger(t))
	dir.Close()

	dir.CameraUpdated(1)
	assert.False(t, dir.refreshing.Load())
}

type countingFetcher struct {
	calls atomic.Int32
}

func (f *countingFetcher) FetchCameras(context.Context) ([]Camera, error) {
	f.calls.Add(1)
	return nil, nil
}

func TestDirectoryCameraUpdatedRacesClose(t *testing.T) {
	for round := 0; round < 50; round++ {
		fetcher := &countingFetcher{}
		dir := NewDirectory(fetcher, zaptest.NewLogger(t))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(camera codec.CameraID) {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					dir.CameraUpdated(camera)
				}
			}(codec.CameraID(i + 1))
		}

		dir.Close()
		wg.Wait()

		// nothing may start once Close has returned
		after := fetcher.calls.Load()
		dir.CameraUpdated(1)
		time.Sleep(time.Millisecond)
		assert.Equal(t, after, fetcher.calls.Load(), "round %d", round)
		assert.False(t, dir.refreshing.Load(), "round %d", round)
	}
}
