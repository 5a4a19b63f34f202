package llm

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/haasonsaas/apibridge/internal/config"
)

// Invoker is the model-invocation capability: one synchronous request against
// a hosted model, already formatted for its family.
type Invoker interface {
	Invoke(ctx context.Context, modelID string, body []byte) ([]byte, error)
}

// BedrockInvoker invokes models hosted on the Bedrock runtime. It is shared
// across sessions and safe for concurrent use.
type BedrockInvoker struct {
	client *bedrockruntime.Client
}

// NewBedrockInvoker builds the runtime client from the LLM configuration,
// using explicit credentials when provided and the default chain otherwise.
func NewBedrockInvoker(ctx context.Context, cfg config.LLMConfig) (*BedrockInvoker, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockInvoker{client: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

// Invoke sends the formatted request body to the model and returns the raw
// response body. Errors are classified for the pipeline's retry logic.
func (b *BedrockInvoker) Invoke(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, WrapError(err)
	}
	return out.Body, nil
}
