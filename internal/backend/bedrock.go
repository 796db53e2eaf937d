package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/aws/smithy-go"

	"AgentRelay/internal/config"
)

// InvokeAgentAPI is the slice of the Bedrock agent runtime client we use.
type InvokeAgentAPI interface {
	InvokeAgent(ctx context.Context, params *bedrockagentruntime.InvokeAgentInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.InvokeAgentOutput, error)
}

// completionStream is satisfied by *bedrockagentruntime.InvokeAgentEventStream.
type completionStream interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

// BedrockAgent streams completions from an Amazon Bedrock agent alias
type BedrockAgent struct {
	api          InvokeAgentAPI
	agentID      string
	agentAliasID string
	logger       *slog.Logger
}

// NewBedrockAgent loads AWS configuration for cfg.Region. Static credentials
// are used when an access key pair is configured, the default chain otherwise.
func NewBedrockAgent(ctx context.Context, cfg config.UpstreamConfig, logger *slog.Logger) (*BedrockAgent, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.HasStaticCredentials() {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewBedrockAgentWithAPI(bedrockagentruntime.NewFromConfig(awsCfg), cfg.AgentID, cfg.AgentAliasID, logger), nil
}

// NewBedrockAgentWithAPI builds an agent over an existing runtime client.
func NewBedrockAgentWithAPI(api InvokeAgentAPI, agentID, agentAliasID string, logger *slog.Logger) *BedrockAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &BedrockAgent{
		api:          api,
		agentID:      agentID,
		agentAliasID: agentAliasID,
		logger:       logger,
	}
}

// InvokeStream opens a new agent session turn for req.
func (b *BedrockAgent) InvokeStream(ctx context.Context, req Request) (ChunkStream, error) {
	out, err := b.api.InvokeAgent(ctx, &bedrockagentruntime.InvokeAgentInput{
		AgentId:      aws.String(b.agentID),
		AgentAliasId: aws.String(b.agentAliasID),
		SessionId:    aws.String(req.SessionID),
		InputText:    aws.String(req.Prompt),
		EnableTrace:  aws.Bool(req.EnableTrace),
	})
	if err != nil {
		return nil, b.describeError(err)
	}

	var stream *bedrockagentruntime.InvokeAgentEventStream
	if out != nil {
		stream = out.GetStream()
	}
	if stream == nil {
		return nil, ErrUpstreamUnavailable
	}

	b.logger.Debug("bedrock agent invoked", "session_id", req.SessionID, "trace", req.EnableTrace)
	return newBedrockChunkStream(stream, b), nil
}

// describeError maps AWS API error codes to readable messages.
func (b *BedrockAgent) describeError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: error calling agent: %v", ErrUpstreamFailure, err)
	}

	switch apiErr.ErrorCode() {
	case "ThrottlingException":
		return fmt.Errorf("%w: agent is being throttled, please try again later", ErrUpstreamFailure)
	case "ValidationException":
		return fmt.Errorf("%w: invalid agent request: %s", ErrUpstreamFailure, apiErr.ErrorMessage())
	case "ResourceNotFoundException":
		return fmt.Errorf("%w: agent not found: %s", ErrUpstreamFailure, b.agentID)
	default:
		return fmt.Errorf("%w: agent error: %s", ErrUpstreamFailure, apiErr.ErrorMessage())
	}
}

type bedrockChunkStream struct {
	stream    completionStream
	agent     *BedrockAgent
	closeOnce sync.Once
	closeErr  error
}

func newBedrockChunkStream(stream completionStream, agent *BedrockAgent) *bedrockChunkStream {
	return &bedrockChunkStream{stream: stream, agent: agent}
}

// Recv returns the next non-empty chunk, skipping trace and return-control events.
func (s *bedrockChunkStream) Recv(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case event, ok := <-s.stream.Events():
			if !ok {
				if err := s.stream.Err(); err != nil {
					return "", s.agent.describeError(err)
				}
				return "", io.EOF
			}

			switch ev := event.(type) {
			case *types.ResponseStreamMemberChunk:
				if len(ev.Value.Bytes) == 0 {
					continue
				}
				return string(ev.Value.Bytes), nil
			case *types.ResponseStreamMemberTrace:
				s.agent.logger.Debug("agent trace event")
			case *types.ResponseStreamMemberReturnControl:
				s.agent.logger.Debug("agent return-control event ignored")
			default:
				s.agent.logger.Debug("unhandled agent event", "type", fmt.Sprintf("%T", ev))
			}
		}
	}
}

func (s *bedrockChunkStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}
