package ollama

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ocr-batch/internal/engine"
	"github.com/feichai0017/ocr-batch/pkg/logger"
)

func newServer(t *testing.T, generate http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"llava:latest"}]}`))
	})
	if generate != nil {
		mux.HandleFunc("/api/generate", generate)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRecognizeSendsImageAndPrompt(t *testing.T) {
	var got generateRequest
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"response":"  Dear diary,\ntoday was fine.  ","done":true}`))
	})

	e := New(Config{Endpoint: srv.URL + "/", Model: "llava"}, logger.NewNop())
	require.True(t, e.Available(context.Background()))

	res, err := e.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 32, 16)),
		engine.Options{Language: "eng", Handwriting: true})
	require.NoError(t, err)

	assert.Equal(t, "Dear diary,\ntoday was fine.", res.Text)
	assert.Equal(t, Name, res.Engine)
	assert.Greater(t, res.Confidence, 0.0)
	assert.LessOrEqual(t, res.Confidence, 0.85)
	require.Len(t, res.Blocks, 1)

	assert.Equal(t, "llava", got.Model)
	assert.Len(t, got.Images, 1)
	assert.False(t, got.Stream)
	assert.True(t, strings.HasPrefix(got.Prompt, "This image contains handwriting"))
	assert.Contains(t, got.Prompt, "eng")
}

func TestRecognizeReportsServerErrors(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	})
	e := New(Config{Endpoint: srv.URL, Model: "llava"}, logger.NewNop())

	_, err := e.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 8, 8)), engine.Options{})
	assert.ErrorContains(t, err, "unexpected status code 500")
}

func TestUnavailableWhenModelMissing(t *testing.T) {
	srv := newServer(t, nil)
	assert.False(t, New(Config{Endpoint: srv.URL, Model: "bakllava"}, logger.NewNop()).Available(context.Background()))
	assert.False(t, New(Config{}, logger.NewNop()).Available(context.Background()))
}

func TestSlotsBoundConcurrentRequests(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = w.Write([]byte(`{"response":"ok","done":true}`))
	})
	e := New(Config{Endpoint: srv.URL, Model: "llava", MaxParallel: 1}, logger.NewNop())

	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		go func() {
			_, _ = e.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 4, 4)), engine.Options{})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	assert.Equal(t, int32(1), peak.Load())
}

func TestEstimateConfidence(t *testing.T) {
	assert.Zero(t, estimateConfidence(""))
	assert.InDelta(t, 0.6, estimateConfidence("hello world"), 1e-9)
}
