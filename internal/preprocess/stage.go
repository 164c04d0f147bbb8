package preprocess

import (
	"strings"
)

// Stage is one transform of the preprocessing chain. The set is closed;
// Pipeline.apply switches over it.
type Stage int

const (
	StageResize Stage = iota
	StageDenoise
	StageDeskew
	StageContrast
	StageBrightness
	StageBinarize
	StageSharpen
	StageHandwritingEnhance
	StageCharacterSegment
	StageScriptOptimize
	StageStrokeEnhance
)

var stageNames = [...]string{
	StageResize:             "resize",
	StageDenoise:            "denoise",
	StageDeskew:             "deskew",
	StageContrast:           "contrast",
	StageBrightness:         "brightness",
	StageBinarize:           "binarize",
	StageSharpen:            "sharpen",
	StageHandwritingEnhance: "handwritingEnhance",
	StageCharacterSegment:   "characterSegment",
	StageScriptOptimize:     "scriptOptimize",
	StageStrokeEnhance:      "strokeEnhance",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

func (s Stage) Valid() bool {
	return s >= 0 && int(s) < len(stageNames)
}

var (
	// DefaultStages suit printed text.
	DefaultStages = []Stage{StageDenoise, StageDeskew, StageContrast, StageBinarize}
	// HandwritingStages keep grey levels and thicken strokes instead of binarizing.
	HandwritingStages = []Stage{StageDenoise, StageDeskew, StageStrokeEnhance, StageScriptOptimize, StageContrast}
)

// AllStages lists every known stage in declaration order.
func AllStages() []Stage {
	out := make([]Stage, len(stageNames))
	for i := range stageNames {
		out[i] = Stage(i)
	}
	return out
}

// ParseStage matches names case-insensitively; "handwriting_enhance" and
// "handwriting-enhance" are accepted for handwritingEnhance.
func ParseStage(name string) (Stage, bool) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(name))
	for i, n := range stageNames {
		if strings.ToLower(n) == norm {
			return Stage(i), true
		}
	}
	return 0, false
}

// ParseStages resolves names coming from configuration or requests. Unknown
// names are returned separately so the caller can warn and carry on.
func ParseStages(names []string) (stages []Stage, unknown []string) {
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		s, ok := ParseStage(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		stages = append(stages, s)
	}
	return stages, unknown
}

// StagesFor returns the default chain for the handwriting flag.
func StagesFor(handwriting bool) []Stage {
	if handwriting {
		return append([]Stage(nil), HandwritingStages...)
	}
	return append([]Stage(nil), DefaultStages...)
}

func stageStrings(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.String()
	}
	return out
}
