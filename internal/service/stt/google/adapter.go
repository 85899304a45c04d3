// Package google provides a Google Cloud Speech-to-Text adapter.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"speech-relay-service/internal/service/stt"
)

// ProviderName is the registry key for this adapter.
const ProviderName = "google"

func init() {
	stt.Register(ProviderName, func(ctx context.Context, opts stt.Options) (stt.Adapter, error) {
		return New(ctx, opts)
	})
}

// Adapter implements stt.Adapter using Google Cloud Speech-to-Text.
type Adapter struct {
	client *speech.Client
	opts   stt.Options

	mu      sync.Mutex
	stream  speechpb.Speech_StreamingRecognizeClient
	cancel  context.CancelFunc
	cb      stt.Callback
	done    chan struct{}
	closing bool
	closed  bool
}

// New creates a new Google STT adapter.
// Uses application default credentials unless opts carries an API key.
func New(ctx context.Context, opts stt.Options) (*Adapter, error) {
	var clientOpts []option.ClientOption
	if opts.URL != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.URL))
	}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	c, err := speech.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: c, opts: opts}, nil
}

// Name implements stt.Adapter.
func (a *Adapter) Name() string { return ProviderName }

// RecognitionConfig builds the streaming config for opts.
func RecognitionConfig(opts stt.Options) *speechpb.StreamingRecognitionConfig {
	rate := opts.SampleRateHz
	if rate == 0 {
		rate = 16000
	}
	lang := opts.LanguageCode
	if lang == "" {
		lang = "en-US"
	}
	cfg := &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(opts.Encoding),
		SampleRateHertz:            int32(rate),
		LanguageCode:               lang,
		EnableAutomaticPunctuation: true,
	}
	if opts.Channels > 1 {
		cfg.AudioChannelCount = int32(opts.Channels)
		cfg.EnableSeparateRecognitionPerChannel = true
	}
	return &speechpb.StreamingRecognitionConfig{
		Config:         cfg,
		InterimResults: true,
	}
}

func parseAudioEncoding(enc string) speechpb.RecognitionConfig_AudioEncoding {
	switch enc {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// Start opens a streaming recognition session, sends the config and starts
// the receive goroutine. Google has no begin message; a local id stands in.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := a.client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return err
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: RecognitionConfig(a.opts),
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("send streaming config: %w", err)
	}

	a.mu.Lock()
	a.stream = stream
	a.cancel = cancel
	a.cb = cb
	a.done = make(chan struct{})
	a.mu.Unlock()

	cb.OnBegin(stt.SessionInfo{SessionID: uuid.NewString()})
	go a.listen(stream)
	return nil
}

// listen receives transcript responses from Google and invokes callbacks.
func (a *Adapter) listen(stream speechpb.Speech_StreamingRecognizeClient) {
	defer close(a.done)
	for {
		resp, err := stream.Recv()
		if err != nil {
			a.mu.Lock()
			closing := a.closing
			a.mu.Unlock()

			if errors.Is(err, io.EOF) {
				a.cb.OnTermination(stt.Usage{})
				return
			}
			if !closing {
				a.cb.OnError(fmt.Errorf("google receive: %w", err), true)
			}
			return
		}
		if st := resp.GetError(); st != nil {
			a.cb.OnError(fmt.Errorf("google: %s", st.GetMessage()), false)
			continue
		}
		for _, r := range resp.Results {
			a.handleResult(r)
		}
	}
}

func (a *Adapter) handleResult(r *speechpb.StreamingRecognitionResult) {
	if len(r.Alternatives) == 0 || r.Alternatives[0].Transcript == "" {
		return
	}
	res := stt.Result{
		Text:    r.Alternatives[0].Transcript,
		IsFinal: r.IsFinal,
	}
	// ChannelTag is 1-based and only set with per-channel recognition.
	if r.ChannelTag > 0 {
		ch := int(r.ChannelTag) - 1
		res.Channel = &ch
	}
	if end := r.GetResultEndTime(); end != nil {
		res.End = end.AsDuration().Seconds()
		res.Start = res.End
		res.HasTiming = true
	}
	a.cb.OnTranscript(res)
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(_ context.Context, audio []byte) error {
	a.mu.Lock()
	stream := a.stream
	a.mu.Unlock()
	if stream == nil {
		return errors.New("google stream not started")
	}
	return stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

// Terminate half-closes the stream; Google answers with the remaining
// results followed by EOF.
func (a *Adapter) Terminate(_ context.Context) error {
	a.mu.Lock()
	stream := a.stream
	a.closing = true
	a.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.CloseSend()
}

// Done is closed once the receive goroutine has exited.
func (a *Adapter) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done == nil {
		return stt.Closed()
	}
	return a.done
}

// Close cancels the stream and closes the client.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.closing = true
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return a.client.Close()
}
