package imagegen

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mission-talk/server/internal/config"
)

type fakeReplicate struct {
	t *testing.T

	creates atomic.Int32
	polls   atomic.Int32
	// pendingPolls 是返回 succeeded 之前需要经过的轮询次数。
	pendingPolls int32
	finalStatus  string
	output       string

	mu      sync.Mutex
	lastReq createRequest
	gate    chan struct{}
}

func (f *fakeReplicate) handler(baseURL *string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "Bearer token-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/predictions":
			f.creates.Add(1)
			var req createRequest
			assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
			f.mu.Lock()
			f.lastReq = req
			f.mu.Unlock()
			if f.gate != nil {
				<-f.gate
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"id":"p1","status":"starting","urls":{"get":"%s/predictions/p1"}}`, *baseURL)
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/p1":
			n := f.polls.Add(1)
			if n <= f.pendingPolls {
				fmt.Fprint(w, `{"id":"p1","status":"processing"}`)
				return
			}
			status := f.finalStatus
			if status == "" {
				status = statusSucceeded
			}
			fmt.Fprintf(w, `{"id":"p1","status":%q,"output":%s,"error":"nsfw"}`, status, f.output)
		default:
			http.NotFound(w, r)
		}
	}
}

func newTestClient(t *testing.T, f *fakeReplicate) *Client {
	t.Helper()
	f.t = t
	var base string
	ts := httptest.NewServer(f.handler(&base))
	t.Cleanup(ts.Close)
	base = ts.URL

	return NewClient(config.ReplicateConfig{
		APIToken:     "token-1",
		BaseURL:      ts.URL,
		ModelVersion: "v-123",
		PollInterval: time.Millisecond,
		Timeout:      5 * time.Second,
		CacheTTL:     time.Minute,
	}, nil)
}

func TestGenerate_PollsUntilSucceeded(t *testing.T) {
	f := &fakeReplicate{pendingPolls: 2, output: `["https://cdn.example/a.jpg","https://cdn.example/b.jpg"]`}
	client := newTestClient(t, f)

	url, err := client.Generate(context.Background(), "  a misty forest  ")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/a.jpg", url)
	assert.EqualValues(t, 3, f.polls.Load())

	f.mu.Lock()
	req := f.lastReq
	f.mu.Unlock()
	assert.Equal(t, "v-123", req.Version)
	assert.Equal(t, "a misty forest", req.Input.Prompt)
	assert.Equal(t, "16:9", req.Input.AspectRatio)
	assert.Equal(t, "jpg", req.Input.OutputFormat)
	assert.Equal(t, 80, req.Input.OutputQuality)
	assert.True(t, req.Input.GoFast)
}

func TestGenerate_StringOutputAndCache(t *testing.T) {
	f := &fakeReplicate{output: `"https://cdn.example/single.jpg"`}
	client := newTestClient(t, f)

	for i := 0; i < 3; i++ {
		url, err := client.Generate(context.Background(), "desert")
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example/single.jpg", url)
	}
	assert.EqualValues(t, 1, f.creates.Load(), "cached prompts must not hit upstream")
}

func TestGenerate_ConcurrentRequestsShareOneCall(t *testing.T) {
	f := &fakeReplicate{output: `"https://cdn.example/shared.jpg"`, gate: make(chan struct{})}
	client := newTestClient(t, f)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url, err := client.Generate(context.Background(), "castle")
			assert.NoError(t, err)
			results[i] = url
		}(i)
	}

	require.Eventually(t, func() bool { return f.creates.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.EqualValues(t, 1, f.creates.Load())
	for _, url := range results {
		assert.Equal(t, "https://cdn.example/shared.jpg", url)
	}
}

func TestGenerate_SharedJobSurvivesFirstCallerCancel(t *testing.T) {
	f := &fakeReplicate{output: `"https://cdn.example/moon.jpg"`, gate: make(chan struct{})}
	client := newTestClient(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.Generate(ctx, "moon base")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.creates.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan string, 1)
	go func() {
		url, err := client.Generate(context.Background(), "moon base")
		assert.NoError(t, err)
		second <- url
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled caller did not return")
	}

	close(f.gate)
	select {
	case url := <-second:
		assert.Equal(t, "https://cdn.example/moon.jpg", url)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller did not get the shared result")
	}
	assert.EqualValues(t, 1, f.creates.Load())
}

func TestGenerate_JobsPollIndependently(t *testing.T) {
	const interval = 50 * time.Millisecond
	var seq atomic.Int32
	var mu sync.Mutex
	polls := map[string]int{}

	var base string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			id := fmt.Sprintf("p%d", seq.Add(1))
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"id":%q,"status":"starting","urls":{"get":"%s/predictions/%s"}}`, id, base, id)
			return
		}
		id := r.URL.Path[len("/predictions/"):]
		mu.Lock()
		polls[id]++
		n := polls[id]
		mu.Unlock()
		if n <= 2 {
			fmt.Fprintf(w, `{"id":%q,"status":"processing"}`, id)
			return
		}
		fmt.Fprintf(w, `{"id":%q,"status":"succeeded","output":"https://cdn.example/%s.jpg"}`, id, id)
	}))
	t.Cleanup(ts.Close)
	base = ts.URL

	client := NewClient(config.ReplicateConfig{
		APIToken:     "token-1",
		BaseURL:      ts.URL,
		PollInterval: interval,
		Timeout:      5 * time.Second,
	}, nil)

	const jobs = 4
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := client.Generate(context.Background(), fmt.Sprintf("scene %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// 每个任务轮询 3 次约需 2 个间隔；共用一个限速器则需要约 11 个间隔。
	assert.Less(t, time.Since(start), 6*interval)
}

func TestGenerate_Failures(t *testing.T) {
	t.Run("empty prompt", func(t *testing.T) {
		client := newTestClient(t, &fakeReplicate{})
		_, err := client.Generate(context.Background(), "   ")
		assert.ErrorIs(t, err, ErrEmptyPrompt)
	})

	t.Run("prediction failed", func(t *testing.T) {
		client := newTestClient(t, &fakeReplicate{finalStatus: statusFailed, output: "null"})
		_, err := client.Generate(context.Background(), "x")
		assert.ErrorIs(t, err, ErrPredictionFailed)
		assert.Contains(t, err.Error(), "nsfw")
	})

	t.Run("no output", func(t *testing.T) {
		client := newTestClient(t, &fakeReplicate{output: "[]"})
		_, err := client.Generate(context.Background(), "x")
		assert.ErrorIs(t, err, ErrNoOutput)
	})

	t.Run("upstream status", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"detail":"invalid version"}`)
		}))
		defer ts.Close()
		client := NewClient(config.ReplicateConfig{BaseURL: ts.URL, PollInterval: time.Millisecond}, nil)

		_, err := client.Generate(context.Background(), "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "422")
		assert.Contains(t, err.Error(), "invalid version")
	})

	t.Run("failures are not cached", func(t *testing.T) {
		f := &fakeReplicate{output: "null"}
		client := newTestClient(t, f)
		_, err := client.Generate(context.Background(), "x")
		require.ErrorIs(t, err, ErrNoOutput)
		_, err = client.Generate(context.Background(), "x")
		require.ErrorIs(t, err, ErrNoOutput)
		assert.EqualValues(t, 2, f.creates.Load())
	})
}

func TestFirstOutput(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: `"https://a"`, want: "https://a"},
		{raw: `["https://b"]`, want: "https://b"},
		{raw: `""`, wantErr: true},
		{raw: `null`, wantErr: true},
		{raw: `[]`, wantErr: true},
		{raw: `{"url":"x"}`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := firstOutput(json.RawMessage(tt.raw))
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		assert.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}
}
