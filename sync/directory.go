// ABOUTME: Collaborator interfaces for external contact directories
// ABOUTME: Defines raw provider payloads, fetched pages, write-back, and token supply
package sync

import (
	"context"

	"github.com/prokopsimek/pmcrm-sub000/models"
	"golang.org/x/oauth2"
)

// RawContact is a provider-native contact payload. Only the normalizer looks inside.
type RawContact interface {
	provider() string
}

// FetchRequest selects what a directory returns. An empty SyncCursor asks for a
// full listing that also yields a fresh cursor.
type FetchRequest struct {
	SyncCursor string
	PageToken  string
}

// Page is one response from a directory.
type Page struct {
	Records            []RawContact
	NextPageToken      string
	NextSyncCursor     string
	RemovedExternalIDs []string
}

// DirectoryClient lists contacts from an external directory.
type DirectoryClient interface {
	FetchPage(ctx context.Context, req FetchRequest) (*Page, error)
}

// DirectoryWriter is implemented by directories that accept write-back.
type DirectoryWriter interface {
	GetContact(ctx context.Context, externalID string) (RawContact, error)
	UpdateContact(ctx context.Context, externalID string, fields map[string]string) error
}

// TokenProvider supplies a valid bearer credential. Refreshing is its job.
type TokenProvider interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// DirectoryResolver builds the client for an integration.
type DirectoryResolver interface {
	Directory(ctx context.Context, integration *models.Integration) (DirectoryClient, error)
}

// DirectoryResolverFunc adapts a function to DirectoryResolver.
type DirectoryResolverFunc func(ctx context.Context, integration *models.Integration) (DirectoryClient, error)

func (f DirectoryResolverFunc) Directory(ctx context.Context, integration *models.Integration) (DirectoryClient, error) {
	return f(ctx, integration)
}
