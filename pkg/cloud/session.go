package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/servicecatalog"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/openfleet/openfleet/pkg/engine"
	"github.com/openfleet/openfleet/pkg/manifest"
	"github.com/openfleet/openfleet/pkg/telemetry"
)

const (
	// DefaultRoleName is the deployment role assumed in spoke accounts when
	// neither the account nor the target overrides it.
	DefaultRoleName = "OpenFleetDeploymentRole"

	// DefaultSessionName identifies assumed-role sessions in CloudTrail.
	DefaultSessionName = "openfleet-deploy"

	// DefaultSessionDuration is the assumed-role credential lifetime.
	DefaultSessionDuration = time.Hour
)

// SessionConfig configures the hub-side credential broker.
type SessionConfig struct {
	// Region is the hub region used for the STS endpoint.
	Region string

	// Profile optionally names a shared-config profile for hub credentials.
	Profile string

	// RoleName is the deployment role name assumed in each target account.
	// Defaults to DefaultRoleName.
	RoleName string

	// SessionName identifies assumed-role sessions. Defaults to
	// DefaultSessionName.
	SessionName string

	// ExternalID is passed on AssumeRole when the spoke role requires one.
	ExternalID string

	// Duration is the assumed-role credential lifetime. Defaults to
	// DefaultSessionDuration.
	Duration time.Duration

	// WrapRemote optionally wraps each target's provisioning API, used to
	// layer telemetry around remote calls.
	WrapRemote func(engine.RemoteProvisioningAPI) engine.RemoteProvisioningAPI
}

func (c *SessionConfig) applyDefaults() {
	if c.RoleName == "" {
		c.RoleName = DefaultRoleName
	}
	if c.SessionName == "" {
		c.SessionName = DefaultSessionName
	}
	if c.Duration <= 0 {
		c.Duration = DefaultSessionDuration
	}
}

// Broker implements engine.SessionBroker on top of STS AssumeRole. Hub
// credentials come from the default AWS credential chain; each target
// account gets a cached credential provider assuming the deployment role
// in that account, refreshed automatically as credentials expire.
type Broker struct {
	cfg    SessionConfig
	base   aws.Config
	logger *telemetry.Logger

	// configure and newRemote are seams for tests.
	configure func(ctx context.Context, target manifest.Target) (aws.Config, error)
	newRemote func(cfg aws.Config) engine.RemoteProvisioningAPI

	mu    sync.Mutex
	cache map[string]*brokerSession
}

// NewBroker loads hub credentials and returns a session broker.
func NewBroker(ctx context.Context, cfg SessionConfig, logger *telemetry.Logger) (*Broker, error) {
	cfg.applyDefaults()

	var optFns []func(*config.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		optFns = append(optFns, config.WithSharedConfigProfile(cfg.Profile))
	}

	base, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, engine.NewPermanentError("failed to load hub credentials", err).
			WithCode(engine.ErrCodeAuthenticationFailed)
	}

	b := &Broker{
		cfg:    cfg,
		base:   base,
		logger: logger.NewComponentLogger("session-broker"),
		cache:  make(map[string]*brokerSession),
	}
	b.configure = b.assumeRoleConfig
	b.newRemote = func(cfg aws.Config) engine.RemoteProvisioningAPI {
		remote := engine.RemoteProvisioningAPI(NewCatalogAPI(servicecatalog.NewFromConfig(cfg)))
		if b.cfg.WrapRemote != nil {
			remote = b.cfg.WrapRemote(remote)
		}
		return remote
	}
	return b, nil
}

// BaseConfig returns the hub-side AWS config. The parameter store and other
// hub-scoped clients are built from it.
func (b *Broker) BaseConfig() aws.Config {
	return b.base
}

// AssumeSession acquires a session bound to the target account and region.
// Sessions are cached per target; the underlying credential cache refreshes
// expiring role credentials transparently.
func (b *Broker) AssumeSession(ctx context.Context, target manifest.Target) (engine.Session, error) {
	key := target.AccountID + "/" + target.Region

	b.mu.Lock()
	if sess, ok := b.cache[key]; ok {
		b.mu.Unlock()
		return sess, nil
	}
	b.mu.Unlock()

	cfg, err := b.configure(ctx, target)
	if err != nil {
		b.logger.WithTarget(target.AccountID, target.Region).WithError(err).
			Error("failed to assume deployment role")
		return nil, err
	}
	sess := &brokerSession{remote: b.newRemote(cfg)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.cache[key]; ok {
		return existing, nil
	}
	b.cache[key] = sess
	b.logger.WithTarget(target.AccountID, target.Region).
		WithField("role_arn", roleARN(target, b.cfg.RoleName)).
		Debug("assumed deployment role")
	return sess, nil
}

// assumeRoleConfig builds a target-scoped config whose credentials assume
// the deployment role in the target account. Credentials are retrieved once
// eagerly so a broken trust policy fails the action with
// AuthenticationFailed instead of surfacing as a remote call error.
func (b *Broker) assumeRoleConfig(ctx context.Context, target manifest.Target) (aws.Config, error) {
	arn := roleARN(target, b.cfg.RoleName)

	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(b.base), arn, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = b.cfg.SessionName
		o.Duration = b.cfg.Duration
		if b.cfg.ExternalID != "" {
			o.ExternalID = aws.String(b.cfg.ExternalID)
		}
	})

	cfg := b.base.Copy()
	cfg.Region = target.Region
	cfg.Credentials = aws.NewCredentialsCache(provider)

	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return aws.Config{}, engine.NewPermanentError(
			fmt.Sprintf("failed to assume role %s", arn), err).
			WithCode(engine.ErrCodeAuthenticationFailed)
	}
	return cfg, nil
}

// roleARN returns the deployment role ARN for a target. A target-level
// override wins over the default per-account role name pattern.
func roleARN(target manifest.Target, roleName string) string {
	if target.RoleARN != "" {
		return target.RoleARN
	}
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", target.AccountID, roleName)
}

// brokerSession is a cached target session. Release is a no-op: the
// credential cache is shared across actions on the same target and refreshes
// itself.
type brokerSession struct {
	remote engine.RemoteProvisioningAPI
}

func (s *brokerSession) Remote() engine.RemoteProvisioningAPI { return s.remote }

func (s *brokerSession) Release() {}
