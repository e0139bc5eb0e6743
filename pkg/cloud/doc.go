// Package cloud binds the engine's external interfaces to AWS.
//
// The Broker issues per-target credential sessions by assuming the
// deployment role in each spoke account via STS. Each session exposes a
// Service Catalog adapter implementing engine.RemoteProvisioningAPI.
// ParameterStore backs parameter lookups and output publishing with SSM
// Parameter Store, and ArtifactStore archives run reports and expanded
// manifests to an S3-compatible bucket via minio-go.
//
// All AWS failures are translated into the engine's classified errors so
// the executor's retry policy can act on them uniformly.
package cloud
