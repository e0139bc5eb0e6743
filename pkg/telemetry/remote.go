package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfleet/openfleet/pkg/engine"
)

// remoteService labels provisioning control-plane calls in spans and metrics.
const remoteService = "servicecatalog"

// InstrumentedRemote wraps a provisioning API so every remote call is
// recorded as a span and counted in the remote-call metric families.
type InstrumentedRemote struct {
	api     engine.RemoteProvisioningAPI
	tracer  *Tracer
	metrics *Metrics
}

// NewInstrumentedRemote wraps api. Tracer and metrics may be nil.
func NewInstrumentedRemote(api engine.RemoteProvisioningAPI, tracer *Tracer, metrics *Metrics) *InstrumentedRemote {
	return &InstrumentedRemote{api: api, tracer: tracer, metrics: metrics}
}

func (r *InstrumentedRemote) Provision(ctx context.Context, req *engine.ProvisionRequest) (*engine.ProvisionHandle, error) {
	var handle *engine.ProvisionHandle
	err := r.record(ctx, "Provision", func(ctx context.Context) error {
		var err error
		handle, err = r.api.Provision(ctx, req)
		return err
	})
	return handle, err
}

func (r *InstrumentedRemote) Update(ctx context.Context, req *engine.ProvisionRequest) (*engine.ProvisionHandle, error) {
	var handle *engine.ProvisionHandle
	err := r.record(ctx, "Update", func(ctx context.Context) error {
		var err error
		handle, err = r.api.Update(ctx, req)
		return err
	})
	return handle, err
}

func (r *InstrumentedRemote) Terminate(ctx context.Context, req *engine.TerminateRequest) (*engine.ProvisionHandle, error) {
	var handle *engine.ProvisionHandle
	err := r.record(ctx, "Terminate", func(ctx context.Context) error {
		var err error
		handle, err = r.api.Terminate(ctx, req)
		return err
	})
	return handle, err
}

func (r *InstrumentedRemote) PollRecord(ctx context.Context, handle *engine.ProvisionHandle) (*engine.RecordStatus, error) {
	var status *engine.RecordStatus
	err := r.record(ctx, "PollRecord", func(ctx context.Context) error {
		var err error
		status, err = r.api.PollRecord(ctx, handle)
		return err
	})
	return status, err
}

func (r *InstrumentedRemote) Describe(ctx context.Context, name string) (*engine.RemoteState, error) {
	var state *engine.RemoteState
	err := r.record(ctx, "Describe", func(ctx context.Context) error {
		var err error
		state, err = r.api.Describe(ctx, name)
		return err
	})
	return state, err
}

// record times one remote call, spans it, and counts it.
func (r *InstrumentedRemote) record(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.StartRemoteSpan(ctx, remoteService, operation)
		defer span.End()
	}

	timer := NewTimer()
	err := fn(ctx)

	if r.metrics != nil {
		r.metrics.RecordRemoteCall(remoteService, operation, timer.Duration())
		if err != nil {
			r.metrics.RecordRemoteError(remoteService, operation)
		}
	}
	if span != nil {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}
	return err
}
