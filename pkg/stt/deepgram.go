package stt

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/livescribe/pkg/errorsx"
	"github.com/harunnryd/livescribe/pkg/logging"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// DeepgramConfig configures the prerecorded REST provider.
type DeepgramConfig struct {
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration
}

// Deepgram transcribes audio batches through Deepgram's prerecorded API.
// Batches are short (seconds of audio), so the REST endpoint is a better
// fit than the live websocket API: one request, one response, no
// connection state to babysit per session.
type Deepgram struct {
	cfg    DeepgramConfig
	dg     *api.Client
	logger *slog.Logger
}

func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	rest := client.NewREST(cfg.APIKey, &interfaces.ClientOptions{})
	return &Deepgram{
		cfg:    cfg,
		dg:     api.New(rest),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) Transcribe(ctx context.Context, audio []byte, opts Options) (Result, error) {
	model := opts.Model
	if model == "" {
		model = d.cfg.Model
	}
	language := opts.Language
	if language == "" {
		language = d.cfg.Language
	}
	reqOpts := &interfaces.PreRecordedTranscriptionOptions{
		Model:       model,
		Punctuate:   true,
		SmartFormat: true,
		Diarize:     opts.Diarize,
	}
	if language != "" {
		reqOpts.Language = language
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := d.dg.FromStream(ctx, bytes.NewReader(audio), reqOpts)
	if err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.ReasonTranscribeBackend)
	}
	if res == nil || len(res.Results.Channels) == 0 || len(res.Results.Channels[0].Alternatives) == 0 {
		d.logger.Debug("deepgram_empty_response", "bytes", len(audio))
		return Result{}, nil
	}

	alt := res.Results.Channels[0].Alternatives[0]
	out := Result{
		Text:       strings.TrimSpace(alt.Transcript),
		Confidence: alt.Confidence,
	}
	for _, w := range alt.Words {
		out.Segments = append(out.Segments, Segment{
			Speaker: speakerIndex(w.Speaker),
			Start:   w.Start,
			End:     w.End,
			Text:    w.Word,
		})
	}
	d.logger.Debug("deepgram_transcribed",
		"bytes", len(audio),
		"chars", len(out.Text),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// speakerIndex resolves a word's diarized speaker. The field is absent
// when diarization is off, which maps to speaker 0.
func speakerIndex(s *int) int {
	if s == nil {
		return 0
	}
	return *s
}

var _ Transcriber = (*Deepgram)(nil)
