// Package ports declares the narrow interfaces to the remote capabilities
// the pipeline depends on. The orchestrator only ever sees these contracts;
// concrete adapters are bound at startup in the CLI layer.
package ports

import "context"

// TransformMode selects what a Transformer does with the input text
type TransformMode string

const (
	// ModeClean strips OCR artifacts while preserving the content
	ModeClean TransformMode = "clean"
	// ModeTranslate rewrites the text in the target language
	ModeTranslate TransformMode = "translate"
	// ModeDetectLanguage returns the name of the text's primary language
	ModeDetectLanguage TransformMode = "detect_language"
)

// TransformRequest carries the parameters of a text transform call
type TransformRequest struct {
	Mode           TransformMode
	SourceLanguage string // translate only; "auto" handled by the caller
	TargetLanguage string // translate only
}

// SynthesisRequest selects voice and container format for a synthesis call
type SynthesisRequest struct {
	Voice  string
	Format string // "mp3", "wav", ...
	Speed  float64
}

// Extractor turns one page image into text
type Extractor interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// Transformer rewrites text according to the request parameters
type Transformer interface {
	Transform(ctx context.Context, text string, req TransformRequest) (string, error)
}

// Synthesizer turns final text into an audio byte stream
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, req SynthesisRequest) ([]byte, error)
}
