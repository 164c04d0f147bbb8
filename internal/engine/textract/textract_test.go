package textract

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ocr-batch/internal/engine"
	"github.com/feichai0017/ocr-batch/pkg/logger"
)

type fakeAPI struct {
	out   *textract.DetectDocumentTextOutput
	err   error
	calls int
}

func (f *fakeAPI) DetectDocumentText(_ context.Context, in *textract.DetectDocumentTextInput, _ ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error) {
	f.calls++
	if len(in.Document.Bytes) == 0 {
		return nil, errors.New("empty document")
	}
	return f.out, f.err
}

func line(text string, conf float32) types.Block {
	return types.Block{
		BlockType:  types.BlockTypeLine,
		Text:       aws.String(text),
		Confidence: aws.Float32(conf),
		Geometry: &types.Geometry{Polygon: []types.Point{
			{X: 0.1, Y: 0.1}, {X: 0.9, Y: 0.1}, {X: 0.9, Y: 0.2}, {X: 0.1, Y: 0.2},
		}},
	}
}

func TestRecognizeKeepsConfidentLines(t *testing.T) {
	api := &fakeAPI{out: &textract.DetectDocumentTextOutput{Blocks: []types.Block{
		{BlockType: types.BlockTypePage},
		line("Invoice 42", 99),
		line("smudge", 20),
		line("Total: 10 EUR", 95),
	}}}
	e := NewWithClient(api, Config{Region: "eu-west-1", MinConfidence: 50}, logger.NewNop())

	res, err := e.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 200, 100)), engine.Options{Language: "eng"})
	require.NoError(t, err)

	assert.Equal(t, "Invoice 42\nTotal: 10 EUR", res.Text)
	assert.InDelta(t, 0.97, res.Confidence, 1e-6)
	require.Len(t, res.Blocks, 2)
	assert.InDelta(t, 20, res.Blocks[0].Polygon[0].X, 1e-4)
	assert.InDelta(t, 20, res.Blocks[0].Polygon[2].Y, 1e-4)
	assert.Equal(t, Name, res.Engine)
}

func TestRecognizePropagatesAPIErrors(t *testing.T) {
	e := NewWithClient(&fakeAPI{err: errors.New("throttled")}, Config{Region: "eu-west-1"}, logger.NewNop())
	_, err := e.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 10, 10)), engine.Options{})
	assert.ErrorContains(t, err, "throttled")
}

func TestRecognizeHonoursCancelledContext(t *testing.T) {
	api := &fakeAPI{}
	e := NewWithClient(api, Config{Region: "eu-west-1"}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Recognize(ctx, image.NewGray(image.Rect(0, 0, 10, 10)), engine.Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, api.calls)
}

func TestAvailabilityNeedsRegion(t *testing.T) {
	assert.False(t, NewWithClient(&fakeAPI{}, Config{}, logger.NewNop()).Available(context.Background()))
	assert.True(t, NewWithClient(&fakeAPI{}, Config{Region: "us-east-1"}, logger.NewNop()).Available(context.Background()))
}
