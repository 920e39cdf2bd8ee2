package leaseprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
)

// AzureBlobConfig controls connectivity to the Azure Blob Storage account
// that backs lease arbitration.
type AzureBlobConfig struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
}

// AzureBlob implements Provider against Azure Blob Storage: each lease
// name becomes a zero-byte blob, and ownership is arbitrated by the
// storage service's native blob lease (AcquireLease/RenewLease/ReleaseLease).
type AzureBlob struct {
	client    *azblob.Client
	container string
}

// NewAzureBlob constructs an AzureBlob provider and ensures the backing
// container exists.
func NewAzureBlob(cfg AzureBlobConfig) (*AzureBlob, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("leaseprovider: azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("leaseprovider: azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}

	var (
		client *azblob.Client
		err    error
	)
	if cfg.SASToken != "" {
		endpointWithSAS := endpoint + "?" + strings.TrimPrefix(cfg.SASToken, "?")
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, nil)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("leaseprovider: azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("leaseprovider: azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("leaseprovider: azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isAzureContainerExists(err) {
		return nil, fmt.Errorf("leaseprovider: azure: create container: %w", err)
	}

	return &AzureBlob{client: client, container: cfg.Container}, nil
}

func (p *AzureBlob) blobClient(name string) *blob.Client {
	return p.client.ServiceClient().NewContainerClient(p.container).NewBlobClient(name)
}

// ensureBlob creates def.Name as a zero-byte blob if it does not already
// exist. A pre-existing blob is not an error: it simply means some
// instance already created the lease-arbitration target.
func (p *AzureBlob) ensureBlob(ctx context.Context, name string) error {
	_, err := p.client.UploadBuffer(ctx, p.container, name, []byte{}, &azblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETag("*"))},
		},
	})
	if err != nil && !isAzurePreconditionFailed(err) {
		return classifyAzureError(err)
	}
	return nil
}

// Acquire implements Provider.
func (p *AzureBlob) Acquire(ctx context.Context, def Definition) (string, error) {
	if err := p.ensureBlob(ctx, def.Name); err != nil {
		return "", err
	}

	leaseClient, err := lease.NewBlobClient(p.blobClient(def.Name), &lease.BlobClientOptions{LeaseID: to.Ptr(def.LeaseID)})
	if err != nil {
		return "", fmt.Errorf("leaseprovider: azure: build lease client: %w", err)
	}
	seconds := int32(def.Period / time.Second)
	resp, err := leaseClient.AcquireLease(ctx, seconds, nil)
	if err != nil {
		return "", classifyAzureError(err)
	}
	if resp.LeaseID == nil {
		return "", NewError(KindOther, errors.New("acquire lease: missing lease id in response"))
	}
	return *resp.LeaseID, nil
}

// Renew implements Provider.
func (p *AzureBlob) Renew(ctx context.Context, def Definition) error {
	leaseClient, err := lease.NewBlobClient(p.blobClient(def.Name), &lease.BlobClientOptions{LeaseID: to.Ptr(def.LeaseID)})
	if err != nil {
		return fmt.Errorf("leaseprovider: azure: build lease client: %w", err)
	}
	if _, err := leaseClient.RenewLease(ctx, nil); err != nil {
		return classifyAzureError(err)
	}
	return nil
}

// Release implements Provider.
func (p *AzureBlob) Release(ctx context.Context, def Definition) error {
	leaseClient, err := lease.NewBlobClient(p.blobClient(def.Name), &lease.BlobClientOptions{LeaseID: to.Ptr(def.LeaseID)})
	if err != nil {
		return fmt.Errorf("leaseprovider: azure: build lease client: %w", err)
	}
	if _, err := leaseClient.ReleaseLease(ctx, nil); err != nil {
		return classifyAzureError(err)
	}
	return nil
}

func classifyAzureError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusConflict:
			return NewError(KindConflict, err)
		case http.StatusNotFound:
			return NewError(KindNotFound, err)
		case http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusRequestTimeout, http.StatusTooManyRequests:
			return NewError(KindTransient, err)
		}
	}
	return NewError(KindOther, err)
}

func isAzureContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isAzurePreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusPreconditionFailed
}
