package cloud

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/openfleet/openfleet/pkg/engine"
	"github.com/openfleet/openfleet/pkg/manifest"
)

// ssmClient is the subset of the SSM client the parameter store uses.
type ssmClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// ParameterStore implements engine.LookupResolver and engine.OutputPublisher
// on SSM Parameter Store. Lookups default to the hub region; a lookup ref
// naming another region gets a client for that region, built lazily and
// cached.
type ParameterStore struct {
	base aws.Config

	// newClient is a seam for tests.
	newClient func(cfg aws.Config) ssmClient

	mu      sync.Mutex
	clients map[string]ssmClient
}

// NewParameterStore returns a parameter store using the given hub config.
func NewParameterStore(base aws.Config) *ParameterStore {
	return &ParameterStore{
		base: base,
		newClient: func(cfg aws.Config) ssmClient {
			return ssm.NewFromConfig(cfg)
		},
		clients: make(map[string]ssmClient),
	}
}

// Lookup returns the decrypted value at the referenced parameter path.
// Throttling stays retryable; every other failure surfaces as LookupFailed
// so the action fails without burning retry attempts on a missing path.
func (p *ParameterStore) Lookup(ctx context.Context, ref manifest.LookupRef) (string, error) {
	client := p.clientFor(ref.Region)

	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(ref.Path),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		classified := classifyAPIError(err, "ssm.get-parameter")
		if !engine.IsRetryable(classified) {
			classified.Code = engine.ErrCodeLookupFailed
		}
		return "", classified
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", engine.NewPermanentError("parameter has no value: "+ref.Path, nil).
			WithCode(engine.ErrCodeLookupFailed)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// Publish writes one output value to the given parameter path, overwriting
// any previous value.
func (p *ParameterStore) Publish(ctx context.Context, path, value string) error {
	client := p.clientFor("")

	_, err := client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(path),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return classifyAPIError(err, "ssm.put-parameter")
	}
	return nil
}

func (p *ParameterStore) clientFor(region string) ssmClient {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[region]; ok {
		return client
	}
	cfg := p.base
	if region != "" {
		cfg = p.base.Copy()
		cfg.Region = region
	}
	client := p.newClient(cfg)
	p.clients[region] = client
	return client
}
