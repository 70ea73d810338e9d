package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"otcore/model"
	"otcore/provider"
	"otcore/stream"
)

// reflectSchema derives a tool input schema from an argument struct.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(v)
	s.Version = ""
	data, err := json.Marshal(s)
	if err != nil {
		// unreachable for the argument structs in this package
		panic(fmt.Sprintf("reflect tool schema: %v", err))
	}
	return data
}

// decodeArgs converts parsed arguments into a typed struct.
func decodeArgs(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// VisionModel answers a question about one image.
type VisionModel interface {
	Describe(ctx context.Context, image, query string) (string, error)
}

// Streamer is the slice of stream.Adapter the built-ins use.
type Streamer interface {
	Stream(ctx context.Context, req provider.Request, h stream.Handler) (stream.Result, error)
}

// StreamVision asks a vision-capable model through a streaming adapter. It
// should have its own adapter: a shared one would cancel the turn that
// called the tool.
type StreamVision struct {
	Model       Streamer
	ModelName   string
	Temperature float64
}

func (v *StreamVision) Describe(ctx context.Context, image, query string) (string, error) {
	msg := model.NewMessage(model.RoleUser, query)
	msg.Images = []string{image}

	res, err := v.Model.Stream(ctx, provider.Request{
		Model:       v.ModelName,
		Messages:    []model.Message{msg},
		Temperature: v.Temperature,
	}, nil)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

type inspectImageArgs struct {
	Image string `json:"image" jsonschema_description:"URL or data URI of the image to inspect"`
	Query string `json:"query,omitempty" jsonschema_description:"What to find out about the image. Defaults to a general description."`
}

// InspectImageTool is the inspect_image built-in.
type InspectImageTool struct {
	vision VisionModel
	schema json.RawMessage
}

var _ BuiltinTool = (*InspectImageTool)(nil)

func NewInspectImageTool(vision VisionModel) *InspectImageTool {
	return &InspectImageTool{vision: vision, schema: reflectSchema(&inspectImageArgs{})}
}

func (t *InspectImageTool) Tool() mcptypes.Tool {
	return mcptypes.NewToolWithRawSchema(InspectImage,
		"Look at an image and answer a question about it using a vision model.", t.schema)
}

func (t *InspectImageTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	var in inspectImageArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, &model.ToolArgumentError{Name: InspectImage, Err: err}
	}
	if strings.TrimSpace(in.Image) == "" {
		return nil, &model.ToolArgumentError{Name: InspectImage, Err: errors.New("image is required")}
	}
	if in.Query == "" {
		in.Query = "Describe this image in detail."
	}

	answer, err := t.vision.Describe(ctx, in.Image, in.Query)
	if err != nil {
		return nil, fmt.Errorf("vision model: %w", err)
	}
	return answer, nil
}

// JobState is the lifecycle state of an image job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// ImageRequest is what generate_image submits.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	Model  string `json:"model,omitempty"`
}

// ImageJobStatus is one poll result.
type ImageJobStatus struct {
	ID        string
	State     JobState
	ResultURL string
	Error     string
}

// ImageJobs is an asynchronous image generation service.
type ImageJobs interface {
	Submit(ctx context.Context, req ImageRequest) (string, error)
	Status(ctx context.Context, jobID string) (ImageJobStatus, error)
}

// PollPolicy bounds how long generate_image waits for a job.
type PollPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	Factor      float64
	Jitter      float64
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultPollPolicy polls from 500ms up to 5s apart, for at most 60
// attempts or two minutes.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Initial:     500 * time.Millisecond,
		Max:         5 * time.Second,
		Factor:      2,
		Jitter:      0.1,
		MaxAttempts: 60,
		Timeout:     2 * time.Minute,
	}
}

// Delay returns the wait after the given attempt (from 1). random is in
// [0,1) and scales the jitter.
func (p PollPolicy) Delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*random)
	return time.Duration(math.Round(total))
}

var (
	ErrJobFailed   = errors.New("image job failed")
	ErrJobTimeout  = errors.New("image job did not finish in time")
	ErrJobAttempts = errors.New("image job still running after the last poll")
)

type generateImageArgs struct {
	Prompt string `json:"prompt" jsonschema_description:"Detailed description of the image to create"`
	Size   string `json:"size,omitempty" jsonschema:"enum=256x256,enum=512x512,enum=1024x1024" jsonschema_description:"Image size in pixels"`
}

// GenerateImageTool is the generate_image built-in.
type GenerateImageTool struct {
	jobs   ImageJobs
	policy PollPolicy
	model  string
	schema json.RawMessage
	random func() float64
}

var _ BuiltinTool = (*GenerateImageTool)(nil)

func NewGenerateImageTool(jobs ImageJobs, policy PollPolicy, imageModel string) *GenerateImageTool {
	return &GenerateImageTool{
		jobs:   jobs,
		policy: policy,
		model:  imageModel,
		schema: reflectSchema(&generateImageArgs{}),
		random: rand.Float64,
	}
}

func (t *GenerateImageTool) Tool() mcptypes.Tool {
	return mcptypes.NewToolWithRawSchema(GenerateImage,
		"Generate an image from a text prompt. Returns the job id and the URL of the result.", t.schema)
}

func (t *GenerateImageTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	var in generateImageArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, &model.ToolArgumentError{Name: GenerateImage, Err: err}
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, &model.ToolArgumentError{Name: GenerateImage, Err: errors.New("prompt is required")}
	}

	jobID, err := t.jobs.Submit(ctx, ImageRequest{Prompt: in.Prompt, Size: in.Size, Model: t.model})
	if err != nil {
		return nil, fmt.Errorf("failed to submit image job: %w", err)
	}

	status, err := t.wait(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"job_id": jobID, "result_url": status.ResultURL}, nil
}

// wait polls jobID until it ends, the attempts run out, the timeout passes
// or ctx is cancelled.
func (t *GenerateImageTool) wait(ctx context.Context, jobID string) (ImageJobStatus, error) {
	p := t.policy
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return ImageJobStatus{}, t.pollError(ctx, jobID, err)
		}

		status, err := t.jobs.Status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return ImageJobStatus{}, t.pollError(ctx, jobID, ctx.Err())
			}
			return ImageJobStatus{}, fmt.Errorf("failed to poll image job %s: %w", jobID, err)
		}
		switch status.State {
		case JobSucceeded:
			return status, nil
		case JobFailed:
			if status.Error != "" {
				return status, fmt.Errorf("%w: %s", ErrJobFailed, status.Error)
			}
			return status, ErrJobFailed
		}

		timer := time.NewTimer(p.Delay(attempt, t.random()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ImageJobStatus{}, t.pollError(ctx, jobID, ctx.Err())
		case <-timer.C:
		}
	}
	return ImageJobStatus{}, fmt.Errorf("%w (job %s, %d attempts)", ErrJobAttempts, jobID, p.MaxAttempts)
}

func (t *GenerateImageTool) pollError(ctx context.Context, jobID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w (job %s, %s)", ErrJobTimeout, jobID, t.policy.Timeout)
	}
	return err
}
