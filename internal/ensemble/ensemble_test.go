package ensemble

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ocr-batch/internal/engine"
	perrors "github.com/feichai0017/ocr-batch/internal/errors"
	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/metrics"
)

type fakeEngine struct {
	name       string
	langs      []string
	down       bool
	text       string
	confidence float64
	err        error
	delay      time.Duration

	probes atomic.Int32
	calls  atomic.Int32
}

func (f *fakeEngine) Name() string        { return f.name }
func (f *fakeEngine) Languages() []string { return f.langs }

func (f *fakeEngine) Available(context.Context) bool {
	f.probes.Add(1)
	return !f.down
}

func (f *fakeEngine) Recognize(ctx context.Context, _ image.Image, _ engine.Options) (*models.RecognitionResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.RecognitionResult{Text: f.text, Confidence: f.confidence}, nil
}

var testImage = image.NewGray(image.Rect(0, 0, 4, 4))

func newEnsemble(t *testing.T, cfg Config, engines ...*fakeEngine) *Ensemble {
	t.Helper()
	list := make([]engine.Engine, len(engines))
	for i, e := range engines {
		list[i] = e
	}
	reg := engine.NewRegistry(logger.NewNop(), list...)
	return New(context.Background(), reg, cfg, logger.NewNop(), metrics.NewRecorder())
}

func TestVotingSelectsCentroidAndLowersConfidence(t *testing.T) {
	a := &fakeEngine{name: "a", text: "The quick brown fox jumps", confidence: 0.90, delay: 5 * time.Millisecond}
	b := &fakeEngine{name: "b", text: "The quick brown f0x jumps", confidence: 0.85}
	c := &fakeEngine{name: "c", text: "lorem ipsum dolor", confidence: 0.95}
	ens := newEnsemble(t, Config{}, a, b, c)

	res, err := ens.RecognizeWithVoting(context.Background(), testImage, "eng", true, false)
	require.NoError(t, err)

	assert.Contains(t, []string{a.text, b.text}, res.Text)
	assert.Less(t, res.Confidence, 0.85)
	assert.Less(t, res.Confidence, 0.90)
	assert.Less(t, res.Confidence, 0.95)
	require.NotNil(t, res.Consensus)
	assert.Equal(t, []string{"a", "b", "c"}, res.Consensus.Engines)
	assert.Equal(t, 0.95, res.Consensus.RawConfidences["c"])
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestVotingWithSingleEngineBehavesLikeSingle(t *testing.T) {
	only := &fakeEngine{name: "only", text: "hello", confidence: 0.7}
	down := &fakeEngine{name: "down", down: true}
	ens := newEnsemble(t, Config{}, only, down)

	res, err := ens.RecognizeWithVoting(context.Background(), testImage, "eng", false, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, 0.7, res.Confidence)
	assert.Equal(t, "only", res.Engine)
	assert.Nil(t, res.Consensus)
	assert.Zero(t, down.calls.Load())
}

func TestVotingToleratesPartialEngineFailure(t *testing.T) {
	ok1 := &fakeEngine{name: "ok1", text: "same text", confidence: 0.8}
	ok2 := &fakeEngine{name: "ok2", text: "same text", confidence: 0.6}
	bad := &fakeEngine{name: "bad", err: errors.New("gpu lost")}
	ens := newEnsemble(t, Config{}, ok1, bad, ok2)

	res, err := ens.RecognizeWithVoting(context.Background(), testImage, "", false, false)
	require.NoError(t, err)
	assert.Equal(t, "same text", res.Text)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, []string{"bad"}, res.Consensus.Failed)
}

func TestVotingFailsWhenEveryEngineFails(t *testing.T) {
	x := &fakeEngine{name: "x", err: errors.New("x down")}
	y := &fakeEngine{name: "y", err: errors.New("y down")}
	ens := newEnsemble(t, Config{}, x, y)

	_, err := ens.RecognizeWithVoting(context.Background(), testImage, "", false, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrAllEnginesFailed)
	assert.Contains(t, err.Error(), "x down")
	assert.Contains(t, err.Error(), "y down")
}

func TestVotingFiltersByLanguage(t *testing.T) {
	eng := &fakeEngine{name: "latin", langs: []string{"eng"}, text: "hi", confidence: 0.5}
	jpn := &fakeEngine{name: "cjk", langs: []string{"jpn"}, text: "こんにちは", confidence: 0.9}
	ens := newEnsemble(t, Config{}, eng, jpn)

	res, err := ens.RecognizeWithVoting(context.Background(), testImage, "jpn", false, false)
	require.NoError(t, err)
	assert.Equal(t, "cjk", res.Engine)
	assert.Zero(t, eng.calls.Load())

	_, err = ens.RecognizeWithVoting(context.Background(), testImage, "ara", false, false)
	assert.ErrorIs(t, err, perrors.ErrNoEngines)
}

func TestAvailabilityIsProbedOnce(t *testing.T) {
	a := &fakeEngine{name: "a", text: "x", confidence: 1}
	b := &fakeEngine{name: "b", text: "x", confidence: 1}
	ens := newEnsemble(t, Config{}, a, b)

	for i := 0; i < 3; i++ {
		_, err := ens.Recognize(context.Background(), testImage, models.RecognitionSettings{Voting: true})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), a.probes.Load())
	assert.Equal(t, int32(1), b.probes.Load())
	assert.Len(t, ens.Engines(), 2)
}

func TestRecognizeSingleResolvesEngines(t *testing.T) {
	a := &fakeEngine{name: "a", text: "from a", confidence: 0.5}
	b := &fakeEngine{name: "b", text: "from b", confidence: 0.5}
	gone := &fakeEngine{name: "gone", down: true}
	ens := newEnsemble(t, Config{DefaultEngine: "b"}, a, b, gone)

	res, err := ens.RecognizeSingle(context.Background(), testImage, "", "eng", false, false)
	require.NoError(t, err)
	assert.Equal(t, "from b", res.Text)

	res, err = ens.Recognize(context.Background(), testImage, models.RecognitionSettings{Engine: "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Engine)
	assert.Positive(t, res.ProcessingTime)

	_, err = ens.RecognizeSingle(context.Background(), testImage, "gone", "eng", false, false)
	assert.ErrorIs(t, err, perrors.ErrEngineUnavailable)
}

func TestNoEngines(t *testing.T) {
	ens := newEnsemble(t, Config{})
	_, err := ens.RecognizeSingle(context.Background(), testImage, "", "eng", false, false)
	assert.ErrorIs(t, err, perrors.ErrNoEngines)
}

func TestCancelledContextSkipsEngineCall(t *testing.T) {
	a := &fakeEngine{name: "a", text: "x"}
	b := &fakeEngine{name: "b", text: "x"}
	ens := newEnsemble(t, Config{}, a, b)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ens.RecognizeWithVoting(ctx, testImage, "", false, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, a.calls.Load()+b.calls.Load())
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity("", "  "))
	assert.Equal(t, 1.0, similarity("a  b\n", "a b"))
	assert.Equal(t, 0.0, similarity("abc", "xyz"))
	assert.InDelta(t, 0.75, similarity("abcd", "abcx"), 1e-9)

	idx, avg := centroid([]string{"abcd", "abcx", "zzzz"})
	assert.Equal(t, 0, idx)
	assert.InDelta(t, 0.375, avg, 1e-9)
}
