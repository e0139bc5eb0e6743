package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfleet/openfleet/pkg/cloud"
	"github.com/openfleet/openfleet/pkg/engine"
	"github.com/openfleet/openfleet/pkg/manifest"
	"github.com/openfleet/openfleet/pkg/stores"
	"github.com/openfleet/openfleet/pkg/telemetry"
)

// loadManifest reads and decodes the manifest. Parse and schema failures
// are usage errors; the full reference validation happens inside the graph
// build so deploy and plan report them the same way validate does.
func loadManifest(path string) (*manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, usageErr(err)
	}
	return m, nil
}

// openStore opens the state store behind --state: a postgres:// URL selects
// the shared Postgres backend, anything else is treated as a SQLite path.
func openStore(ctx context.Context) (stores.Store, error) {
	dsn := stateDSN
	if dsn == "" {
		dsn = "fleet.db"
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		store, err := stores.OpenPostgresStore(ctx, stores.PostgresConfig{URL: dsn})
		if err != nil {
			return nil, runErr(fmt.Errorf("failed to open postgres state store: %w", err))
		}
		return store, nil
	}
	store, err := stores.OpenSQLiteStore(ctx, stores.Config{Path: dsn})
	if err != nil {
		return nil, runErr(fmt.Errorf("failed to open sqlite state store: %w", err))
	}
	return store, nil
}

// newTelemetry builds the logger/metrics/events stack for one invocation.
func newTelemetry() (*telemetry.Telemetry, error) {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = "fleet"
	tcfg.ServiceVersion = buildVersion
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	if format := cfg.GetString("log-format"); format != "" {
		tcfg.Logging.Format = format
	}
	if listen := cfg.GetString("metrics-listen"); listen != "" {
		tcfg.Metrics.Enabled = true
		tcfg.Metrics.ListenAddress = listen
	}
	if cfg.GetBool("tracing-enabled") {
		tcfg.Tracing.Enabled = true
		tcfg.Tracing.Exporter = cfg.GetString("tracing-exporter")
		tcfg.Tracing.Endpoint = cfg.GetString("tracing-endpoint")
	}

	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, runErr(fmt.Errorf("failed to initialize telemetry: %w", err))
	}
	if tcfg.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, runErr(err)
		}
	}
	return tel, nil
}

// buildEngine wires the engine against AWS: STS session broker, Service
// Catalog provisioning, SSM lookups and output publishing, and optionally
// the artifact bucket for run reports.
func buildEngine(ctx context.Context, store stores.Store, reportBucket string) (*engine.Engine, *telemetry.Telemetry, error) {
	tel, err := newTelemetry()
	if err != nil {
		return nil, nil, err
	}

	broker, err := cloud.NewBroker(ctx, cloud.SessionConfig{
		Region:     cfg.GetString("region"),
		Profile:    cfg.GetString("profile"),
		RoleName:   cfg.GetString("role-name"),
		ExternalID: cfg.GetString("external-id"),
		WrapRemote: tel.InstrumentRemote,
	}, tel.Logger)
	if err != nil {
		return nil, nil, runErr(err)
	}
	params := cloud.NewParameterStore(broker.BaseConfig())

	deps := engine.Deps{
		Store:     store,
		Sessions:  broker,
		Lookups:   params,
		Publisher: params,
		Events:    tel.EngineSink(),
	}

	if reportBucket != "" {
		artifacts, err := cloud.NewArtifactStore(ctx, cloud.ArtifactConfig{
			Endpoint:  cfg.GetString("artifact-endpoint"),
			AccessKey: cfg.GetString("artifact-access-key"),
			SecretKey: cfg.GetString("artifact-secret-key"),
			Bucket:    reportBucket,
			UseSSL:    cfg.GetBool("artifact-use-ssl"),
		}, tel.Logger)
		if err != nil {
			return nil, nil, runErr(err)
		}
		deps.Artifacts = artifacts
	}

	eng, err := engine.New(deps, engine.Config{
		MaxAttempts: cfg.GetInt("max-attempts"),
	})
	if err != nil {
		return nil, nil, runErr(err)
	}
	return eng, tel, nil
}

// classifyEngineErr maps pre-dispatch engine failures to exit codes:
// manifest problems (validation, unknown references, cycles) are usage
// errors, everything else is a runtime failure.
func classifyEngineErr(err error) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		switch ee.Code {
		case engine.ErrCodeValidation, engine.ErrCodeUnknownReference, engine.ErrCodeCycleDetected:
			return usageErr(err)
		}
	}
	return runErr(err)
}
