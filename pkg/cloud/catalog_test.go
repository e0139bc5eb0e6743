package cloud

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/servicecatalog"
	sctypes "github.com/aws/aws-sdk-go-v2/service/servicecatalog/types"
	"github.com/aws/smithy-go"

	"github.com/openfleet/openfleet/pkg/engine"
)

type fakeCatalogClient struct {
	provisionFn func(*servicecatalog.ProvisionProductInput) (*servicecatalog.ProvisionProductOutput, error)
	updateFn    func(*servicecatalog.UpdateProvisionedProductInput) (*servicecatalog.UpdateProvisionedProductOutput, error)
	terminateFn func(*servicecatalog.TerminateProvisionedProductInput) (*servicecatalog.TerminateProvisionedProductOutput, error)
	recordFn    func(*servicecatalog.DescribeRecordInput) (*servicecatalog.DescribeRecordOutput, error)
	describeFn  func(*servicecatalog.DescribeProvisionedProductInput) (*servicecatalog.DescribeProvisionedProductOutput, error)
}

func (f *fakeCatalogClient) ProvisionProduct(_ context.Context, in *servicecatalog.ProvisionProductInput, _ ...func(*servicecatalog.Options)) (*servicecatalog.ProvisionProductOutput, error) {
	return f.provisionFn(in)
}

func (f *fakeCatalogClient) UpdateProvisionedProduct(_ context.Context, in *servicecatalog.UpdateProvisionedProductInput, _ ...func(*servicecatalog.Options)) (*servicecatalog.UpdateProvisionedProductOutput, error) {
	return f.updateFn(in)
}

func (f *fakeCatalogClient) TerminateProvisionedProduct(_ context.Context, in *servicecatalog.TerminateProvisionedProductInput, _ ...func(*servicecatalog.Options)) (*servicecatalog.TerminateProvisionedProductOutput, error) {
	return f.terminateFn(in)
}

func (f *fakeCatalogClient) DescribeRecord(_ context.Context, in *servicecatalog.DescribeRecordInput, _ ...func(*servicecatalog.Options)) (*servicecatalog.DescribeRecordOutput, error) {
	return f.recordFn(in)
}

func (f *fakeCatalogClient) DescribeProvisionedProduct(_ context.Context, in *servicecatalog.DescribeProvisionedProductInput, _ ...func(*servicecatalog.Options)) (*servicecatalog.DescribeProvisionedProductOutput, error) {
	return f.describeFn(in)
}

func TestCatalogProvision(t *testing.T) {
	var captured *servicecatalog.ProvisionProductInput
	api := NewCatalogAPI(&fakeCatalogClient{
		provisionFn: func(in *servicecatalog.ProvisionProductInput) (*servicecatalog.ProvisionProductOutput, error) {
			captured = in
			return &servicecatalog.ProvisionProductOutput{
				RecordDetail: &sctypes.RecordDetail{
					RecordId:             aws.String("rec-1"),
					ProvisionedProductId: aws.String("pp-1"),
				},
			}, nil
		},
	})

	handle, err := api.Provision(context.Background(), &engine.ProvisionRequest{
		Name:             "networking-111111111111-eu-west-1",
		Product:          engine.ProductRef{Name: "vpc-baseline", Portfolio: "platform", Version: "v3"},
		Parameters:       map[string]string{"CidrBlock": "10.0.0.0/16", "AzCount": "3"},
		IdempotencyToken: "tok-1",
	})
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if handle.RecordID != "rec-1" || handle.ProvisionedID != "pp-1" {
		t.Errorf("handle = %+v", handle)
	}

	if got := aws.ToString(captured.ProvisionedProductName); got != "networking-111111111111-eu-west-1" {
		t.Errorf("ProvisionedProductName = %s", got)
	}
	if got := aws.ToString(captured.ProductName); got != "vpc-baseline" {
		t.Errorf("ProductName = %s", got)
	}
	if got := aws.ToString(captured.ProvisioningArtifactName); got != "v3" {
		t.Errorf("ProvisioningArtifactName = %s", got)
	}
	if got := aws.ToString(captured.PathName); got != "platform" {
		t.Errorf("PathName = %s", got)
	}
	if got := aws.ToString(captured.ProvisionToken); got != "tok-1" {
		t.Errorf("ProvisionToken = %s", got)
	}
	// Parameters submit in sorted key order.
	if len(captured.ProvisioningParameters) != 2 {
		t.Fatalf("len(ProvisioningParameters) = %d", len(captured.ProvisioningParameters))
	}
	if aws.ToString(captured.ProvisioningParameters[0].Key) != "AzCount" ||
		aws.ToString(captured.ProvisioningParameters[1].Key) != "CidrBlock" {
		t.Errorf("parameter order = %s, %s",
			aws.ToString(captured.ProvisioningParameters[0].Key),
			aws.ToString(captured.ProvisioningParameters[1].Key))
	}
}

func TestCatalogUpdatePrefersProvisionedID(t *testing.T) {
	var captured *servicecatalog.UpdateProvisionedProductInput
	api := NewCatalogAPI(&fakeCatalogClient{
		updateFn: func(in *servicecatalog.UpdateProvisionedProductInput) (*servicecatalog.UpdateProvisionedProductOutput, error) {
			captured = in
			return &servicecatalog.UpdateProvisionedProductOutput{
				RecordDetail: &sctypes.RecordDetail{RecordId: aws.String("rec-2")},
			}, nil
		},
	})

	_, err := api.Update(context.Background(), &engine.ProvisionRequest{
		Name:             "networking-111111111111-eu-west-1",
		ProvisionedID:    "pp-1",
		Product:          engine.ProductRef{Name: "vpc-baseline", Version: "v4"},
		IdempotencyToken: "tok-2",
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if captured.ProvisionedProductId == nil || aws.ToString(captured.ProvisionedProductId) != "pp-1" {
		t.Error("update did not address the product by provisioned ID")
	}
	if captured.ProvisionedProductName != nil {
		t.Error("update set both ID and name")
	}
	if got := aws.ToString(captured.UpdateToken); got != "tok-2" {
		t.Errorf("UpdateToken = %s", got)
	}
}

func TestCatalogTerminate(t *testing.T) {
	var captured *servicecatalog.TerminateProvisionedProductInput
	api := NewCatalogAPI(&fakeCatalogClient{
		terminateFn: func(in *servicecatalog.TerminateProvisionedProductInput) (*servicecatalog.TerminateProvisionedProductOutput, error) {
			captured = in
			return &servicecatalog.TerminateProvisionedProductOutput{
				RecordDetail: &sctypes.RecordDetail{RecordId: aws.String("rec-3")},
			}, nil
		},
	})

	handle, err := api.Terminate(context.Background(), &engine.TerminateRequest{
		Name:             "networking-111111111111-eu-west-1",
		ProvisionedID:    "pp-1",
		IdempotencyToken: "tok-3",
	})
	if err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if handle.RecordID != "rec-3" {
		t.Errorf("RecordID = %s", handle.RecordID)
	}
	if aws.ToString(captured.ProvisionedProductId) != "pp-1" {
		t.Error("terminate did not address the product by provisioned ID")
	}
	if aws.ToString(captured.TerminateToken) != "tok-3" {
		t.Errorf("TerminateToken = %s", aws.ToString(captured.TerminateToken))
	}
}

func TestCatalogPollRecord(t *testing.T) {
	tests := []struct {
		name       string
		record     sctypes.RecordStatus
		outputs    []sctypes.RecordOutput
		recordErrs []sctypes.RecordError
		want       engine.RemoteStatus
		wantOut    map[string]string
		wantDetail string
	}{
		{
			name:   "in progress",
			record: sctypes.RecordStatusInProgress,
			want:   engine.RemoteStatusInProgress,
		},
		{
			name:   "created counts as in progress",
			record: sctypes.RecordStatusCreated,
			want:   engine.RemoteStatusInProgress,
		},
		{
			name:   "rollback counts as in progress",
			record: sctypes.RecordStatusInProgressInError,
			want:   engine.RemoteStatusInProgress,
		},
		{
			name:   "succeeded with outputs",
			record: sctypes.RecordStatusSucceeded,
			outputs: []sctypes.RecordOutput{
				{OutputKey: aws.String("VpcId"), OutputValue: aws.String("vpc-123")},
			},
			want:    engine.RemoteStatusSucceeded,
			wantOut: map[string]string{"VpcId": "vpc-123"},
		},
		{
			name:   "failed with detail",
			record: sctypes.RecordStatusFailed,
			recordErrs: []sctypes.RecordError{
				{Code: aws.String("CREATE_FAILED"), Description: aws.String("subnet conflict")},
			},
			want:       engine.RemoteStatusFailed,
			wantDetail: "CREATE_FAILED: subnet conflict",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := NewCatalogAPI(&fakeCatalogClient{
				recordFn: func(in *servicecatalog.DescribeRecordInput) (*servicecatalog.DescribeRecordOutput, error) {
					if aws.ToString(in.Id) != "rec-1" {
						t.Errorf("record id = %s", aws.ToString(in.Id))
					}
					return &servicecatalog.DescribeRecordOutput{
						RecordDetail: &sctypes.RecordDetail{
							Status:               tt.record,
							ProvisionedProductId: aws.String("pp-1"),
							RecordErrors:         tt.recordErrs,
						},
						RecordOutputs: tt.outputs,
					}, nil
				},
			})

			status, err := api.PollRecord(context.Background(), &engine.ProvisionHandle{RecordID: "rec-1"})
			if err != nil {
				t.Fatalf("PollRecord() error = %v", err)
			}
			if status.Status != tt.want {
				t.Errorf("status = %s, want %s", status.Status, tt.want)
			}
			if status.ProvisionedID != "pp-1" {
				t.Errorf("ProvisionedID = %s", status.ProvisionedID)
			}
			if tt.wantOut != nil {
				for k, v := range tt.wantOut {
					if status.Outputs[k] != v {
						t.Errorf("output %s = %s, want %s", k, status.Outputs[k], v)
					}
				}
			}
			if status.Detail != tt.wantDetail {
				t.Errorf("detail = %q, want %q", status.Detail, tt.wantDetail)
			}
		})
	}
}

func TestCatalogPollRecordMissingDetail(t *testing.T) {
	api := NewCatalogAPI(&fakeCatalogClient{
		recordFn: func(in *servicecatalog.DescribeRecordInput) (*servicecatalog.DescribeRecordOutput, error) {
			return &servicecatalog.DescribeRecordOutput{}, nil
		},
	})

	_, err := api.PollRecord(context.Background(), &engine.ProvisionHandle{RecordID: "rec-1"})
	if err == nil {
		t.Fatal("Expected an error when the record lookup returns no detail")
	}
	if !engine.IsTransient(err) {
		t.Errorf("Expected a transient classification, got %v", err)
	}
}

func TestCatalogDescribe(t *testing.T) {
	api := NewCatalogAPI(&fakeCatalogClient{
		describeFn: func(in *servicecatalog.DescribeProvisionedProductInput) (*servicecatalog.DescribeProvisionedProductOutput, error) {
			return &servicecatalog.DescribeProvisionedProductOutput{
				ProvisionedProductDetail: &sctypes.ProvisionedProductDetail{
					Id:     aws.String("pp-1"),
					Status: sctypes.ProvisionedProductStatusAvailable,
				},
			}, nil
		},
	})

	state, err := api.Describe(context.Background(), "networking-111111111111-eu-west-1")
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if !state.Found {
		t.Error("Found = false for existing product")
	}
	if state.Status != engine.RemoteStatusSucceeded {
		t.Errorf("status = %s, want %s", state.Status, engine.RemoteStatusSucceeded)
	}
	if state.ProvisionedID != "pp-1" {
		t.Errorf("ProvisionedID = %s", state.ProvisionedID)
	}
}

func TestCatalogDescribeNotFound(t *testing.T) {
	api := NewCatalogAPI(&fakeCatalogClient{
		describeFn: func(in *servicecatalog.DescribeProvisionedProductInput) (*servicecatalog.DescribeProvisionedProductOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException"}
		},
	})

	state, err := api.Describe(context.Background(), "gone")
	if err != nil {
		t.Fatalf("Describe() error = %v for not-found", err)
	}
	if state.Found {
		t.Error("Found = true for missing product")
	}
}

func TestCatalogProvisionErrorClassified(t *testing.T) {
	api := NewCatalogAPI(&fakeCatalogClient{
		provisionFn: func(in *servicecatalog.ProvisionProductInput) (*servicecatalog.ProvisionProductOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "ThrottlingException"}
		},
	})

	_, err := api.Provision(context.Background(), &engine.ProvisionRequest{Name: "x"})
	if !engine.IsThrottled(err) {
		t.Errorf("error not classified as throttled: %v", err)
	}
}

func TestRemoteProductStatusMapping(t *testing.T) {
	tests := []struct {
		in   sctypes.ProvisionedProductStatus
		want engine.RemoteStatus
	}{
		{sctypes.ProvisionedProductStatusAvailable, engine.RemoteStatusSucceeded},
		{sctypes.ProvisionedProductStatusUnderChange, engine.RemoteStatusInProgress},
		{sctypes.ProvisionedProductStatusPlanInProgress, engine.RemoteStatusInProgress},
		{sctypes.ProvisionedProductStatusTainted, engine.RemoteStatusFailed},
		{sctypes.ProvisionedProductStatusError, engine.RemoteStatusFailed},
	}
	for _, tt := range tests {
		if got := remoteProductStatus(tt.in); got != tt.want {
			t.Errorf("remoteProductStatus(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
