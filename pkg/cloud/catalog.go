package cloud

import (
	"context"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/servicecatalog"
	sctypes "github.com/aws/aws-sdk-go-v2/service/servicecatalog/types"

	"github.com/openfleet/openfleet/pkg/engine"
)

// catalogClient is the subset of the Service Catalog client the adapter
// uses. Tests substitute a fake.
type catalogClient interface {
	ProvisionProduct(ctx context.Context, params *servicecatalog.ProvisionProductInput, optFns ...func(*servicecatalog.Options)) (*servicecatalog.ProvisionProductOutput, error)
	UpdateProvisionedProduct(ctx context.Context, params *servicecatalog.UpdateProvisionedProductInput, optFns ...func(*servicecatalog.Options)) (*servicecatalog.UpdateProvisionedProductOutput, error)
	TerminateProvisionedProduct(ctx context.Context, params *servicecatalog.TerminateProvisionedProductInput, optFns ...func(*servicecatalog.Options)) (*servicecatalog.TerminateProvisionedProductOutput, error)
	DescribeRecord(ctx context.Context, params *servicecatalog.DescribeRecordInput, optFns ...func(*servicecatalog.Options)) (*servicecatalog.DescribeRecordOutput, error)
	DescribeProvisionedProduct(ctx context.Context, params *servicecatalog.DescribeProvisionedProductInput, optFns ...func(*servicecatalog.Options)) (*servicecatalog.DescribeProvisionedProductOutput, error)
}

// CatalogAPI adapts AWS Service Catalog to engine.RemoteProvisioningAPI.
// Products are addressed by name and provisioning artifact (version) name,
// and every submit call carries the caller's idempotency token so a retried
// attempt resumes the in-flight record instead of forking a second one.
type CatalogAPI struct {
	client catalogClient
}

// NewCatalogAPI returns an adapter over the given Service Catalog client.
func NewCatalogAPI(client catalogClient) *CatalogAPI {
	return &CatalogAPI{client: client}
}

// Provision starts provisioning a new product instance.
func (c *CatalogAPI) Provision(ctx context.Context, req *engine.ProvisionRequest) (*engine.ProvisionHandle, error) {
	input := &servicecatalog.ProvisionProductInput{
		ProvisionedProductName:   aws.String(req.Name),
		ProductName:              aws.String(req.Product.Name),
		ProvisioningArtifactName: aws.String(req.Product.Version),
		ProvisionToken:           aws.String(req.IdempotencyToken),
		ProvisioningParameters:   provisioningParameters(req.Parameters),
	}
	if req.Product.Portfolio != "" {
		input.PathName = aws.String(req.Product.Portfolio)
	}

	out, err := c.client.ProvisionProduct(ctx, input)
	if err != nil {
		return nil, classifyAPIError(err, "servicecatalog.provision")
	}
	return handleFromRecord(out.RecordDetail), nil
}

// Update starts updating an existing product instance.
func (c *CatalogAPI) Update(ctx context.Context, req *engine.ProvisionRequest) (*engine.ProvisionHandle, error) {
	input := &servicecatalog.UpdateProvisionedProductInput{
		ProvisioningArtifactName: aws.String(req.Product.Version),
		UpdateToken:              aws.String(req.IdempotencyToken),
		ProvisioningParameters:   updateParameters(req.Parameters),
	}
	if req.ProvisionedID != "" {
		input.ProvisionedProductId = aws.String(req.ProvisionedID)
	} else {
		input.ProvisionedProductName = aws.String(req.Name)
	}
	if req.Product.Portfolio != "" {
		input.PathName = aws.String(req.Product.Portfolio)
	}

	out, err := c.client.UpdateProvisionedProduct(ctx, input)
	if err != nil {
		return nil, classifyAPIError(err, "servicecatalog.update")
	}
	return handleFromRecord(out.RecordDetail), nil
}

// Terminate starts tearing down a product instance.
func (c *CatalogAPI) Terminate(ctx context.Context, req *engine.TerminateRequest) (*engine.ProvisionHandle, error) {
	input := &servicecatalog.TerminateProvisionedProductInput{
		TerminateToken: aws.String(req.IdempotencyToken),
	}
	if req.ProvisionedID != "" {
		input.ProvisionedProductId = aws.String(req.ProvisionedID)
	} else {
		input.ProvisionedProductName = aws.String(req.Name)
	}

	out, err := c.client.TerminateProvisionedProduct(ctx, input)
	if err != nil {
		return nil, classifyAPIError(err, "servicecatalog.terminate")
	}
	return handleFromRecord(out.RecordDetail), nil
}

// PollRecord returns the current status of an in-flight operation record.
func (c *CatalogAPI) PollRecord(ctx context.Context, handle *engine.ProvisionHandle) (*engine.RecordStatus, error) {
	out, err := c.client.DescribeRecord(ctx, &servicecatalog.DescribeRecordInput{
		Id: aws.String(handle.RecordID),
	})
	if err != nil {
		return nil, classifyAPIError(err, "servicecatalog.poll-record")
	}

	detail := out.RecordDetail
	if detail == nil {
		return nil, engine.NewTransientError("record lookup returned no detail", nil).
			WithCode(engine.ErrCodeExecutionFailed).
			WithOperation("servicecatalog.poll-record")
	}
	status := &engine.RecordStatus{
		Status: remoteRecordStatus(detail.Status),
	}
	if detail.ProvisionedProductId != nil {
		status.ProvisionedID = aws.ToString(detail.ProvisionedProductId)
	}
	if status.Status == engine.RemoteStatusSucceeded {
		status.Outputs = recordOutputs(out.RecordOutputs)
	}
	if status.Status == engine.RemoteStatusFailed {
		status.Detail = recordErrorDetail(detail.RecordErrors)
	}
	return status, nil
}

// Describe returns the live state of a provisioned product by name.
func (c *CatalogAPI) Describe(ctx context.Context, name string) (*engine.RemoteState, error) {
	out, err := c.client.DescribeProvisionedProduct(ctx, &servicecatalog.DescribeProvisionedProductInput{
		Name: aws.String(name),
	})
	if err != nil {
		if isNotFoundErr(err) {
			return &engine.RemoteState{Found: false}, nil
		}
		return nil, classifyAPIError(err, "servicecatalog.describe")
	}

	detail := out.ProvisionedProductDetail
	return &engine.RemoteState{
		Found:         true,
		Status:        remoteProductStatus(detail.Status),
		ProvisionedID: aws.ToString(detail.Id),
		Detail:        aws.ToString(detail.StatusMessage),
	}, nil
}

func handleFromRecord(detail *sctypes.RecordDetail) *engine.ProvisionHandle {
	handle := &engine.ProvisionHandle{}
	if detail == nil {
		return handle
	}
	handle.RecordID = aws.ToString(detail.RecordId)
	handle.ProvisionedID = aws.ToString(detail.ProvisionedProductId)
	return handle
}

// provisioningParameters converts the resolved parameter map into the wire
// form, sorted by key so submitted requests are deterministic.
func provisioningParameters(params map[string]string) []sctypes.ProvisioningParameter {
	out := make([]sctypes.ProvisioningParameter, 0, len(params))
	for _, key := range sortedKeys(params) {
		out = append(out, sctypes.ProvisioningParameter{
			Key:   aws.String(key),
			Value: aws.String(params[key]),
		})
	}
	return out
}

func updateParameters(params map[string]string) []sctypes.UpdateProvisioningParameter {
	out := make([]sctypes.UpdateProvisioningParameter, 0, len(params))
	for _, key := range sortedKeys(params) {
		out = append(out, sctypes.UpdateProvisioningParameter{
			Key:   aws.String(key),
			Value: aws.String(params[key]),
		})
	}
	return out
}

func sortedKeys(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func recordOutputs(outputs []sctypes.RecordOutput) map[string]string {
	if len(outputs) == 0 {
		return nil
	}
	m := make(map[string]string, len(outputs))
	for _, o := range outputs {
		if o.OutputKey == nil {
			continue
		}
		m[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return m
}

func recordErrorDetail(errs []sctypes.RecordError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		code := aws.ToString(e.Code)
		desc := aws.ToString(e.Description)
		switch {
		case code != "" && desc != "":
			parts = append(parts, code+": "+desc)
		case desc != "":
			parts = append(parts, desc)
		case code != "":
			parts = append(parts, code)
		}
	}
	return strings.Join(parts, "; ")
}

func remoteRecordStatus(status sctypes.RecordStatus) engine.RemoteStatus {
	switch status {
	case sctypes.RecordStatusCreated, sctypes.RecordStatusInProgress, sctypes.RecordStatusInProgressInError:
		return engine.RemoteStatusInProgress
	case sctypes.RecordStatusSucceeded:
		return engine.RemoteStatusSucceeded
	default:
		return engine.RemoteStatusFailed
	}
}

func remoteProductStatus(status sctypes.ProvisionedProductStatus) engine.RemoteStatus {
	switch status {
	case sctypes.ProvisionedProductStatusAvailable:
		return engine.RemoteStatusSucceeded
	case sctypes.ProvisionedProductStatusUnderChange, sctypes.ProvisionedProductStatusPlanInProgress:
		return engine.RemoteStatusInProgress
	default:
		return engine.RemoteStatusFailed
	}
}
