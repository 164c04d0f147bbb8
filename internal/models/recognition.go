package models

import (
	"time"
)

// RecognitionSettings select preprocessing and engine behaviour for a request.
// They are part of every result cache key.
type RecognitionSettings struct {
	Language     string `json:"language"`
	Enhance      bool   `json:"enhance"`
	Engine       string `json:"engine,omitempty"`
	Handwriting  bool   `json:"handwriting"`
	Voting       bool   `json:"voting"`
	MaxDimension int    `json:"maxDimension,omitempty"`
	// Stages is an explicit preprocessing chain. Names are checked where the
	// request enters the system; when set it replaces the enhance chain.
	Stages []string `json:"stages,omitempty"`
}

// WithDefaults fills the language when the caller left it empty.
func (s RecognitionSettings) WithDefaults(language string) RecognitionSettings {
	if s.Language == "" {
		s.Language = language
	}
	return s
}

// Point is a polygon vertex in pixel coordinates of the recognized image.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type TextBlock struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Polygon    []Point `json:"polygon,omitempty"`
}

// Consensus describes how a voting result was chosen.
type Consensus struct {
	Engines        []string           `json:"engines"`
	Failed         []string           `json:"failed,omitempty"`
	Agreement      float64            `json:"agreement"`
	RawConfidences map[string]float64 `json:"rawConfidences,omitempty"`
}

type RecognitionResult struct {
	Text           string        `json:"text"`
	Confidence     float64       `json:"confidence"`
	Blocks         []TextBlock   `json:"blocks,omitempty"`
	Engine         string        `json:"engine"`
	ProcessingTime time.Duration `json:"processingTime"`
	FromCache      bool          `json:"fromCache,omitempty"`
	Consensus      *Consensus    `json:"consensus,omitempty"`
}

// RectPolygon converts an axis-aligned box into a four-point polygon.
func RectPolygon(x, y, w, h float64) []Point {
	return []Point{{X: x, Y: y}, {X: x + w, Y: y}, {X: x + w, Y: y + h}, {X: x, Y: y + h}}
}
