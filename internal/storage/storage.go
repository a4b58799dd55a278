package storage

import (
	"context"
	"errors"
)

var ErrObjectNotFound = errors.New("storage: object not found")

// Storage resolves job output objects into links a client can download from.
type Storage interface {
	PresignGet(ctx context.Context, objectPath string) (string, error)
	ShutDown(context.Context)
}
