package minio

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ssuji15/xsonic/internal/config"
	"github.com/ssuji15/xsonic/internal/job_tracer"
	"github.com/ssuji15/xsonic/internal/storage"
	"github.com/ssuji15/xsonic/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MinioClient wraps the MinIO SDK client.
type MinioClient struct {
	client     *minio.Client
	bucket     string
	presignTTL time.Duration
	transport  *http.Transport
}

var (
	mc        *MinioClient
	once      sync.Once
	initError error
)

// NewMinioClient initializes and returns the shared MinIO client.
func NewMinioClient() (storage.Storage, error) {
	once.Do(func() {
		cfg, err := config.GetMinioConfig()
		if err != nil {
			initError = err
			return
		}

		transport := &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   50,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       120 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,

			DisableCompression: true,
			DisableKeepAlives:  false,
		}

		cli, err := minio.New(cfg.URL, &minio.Options{
			Creds:     credentials.NewStaticV4(cfg.ACCESS_KEY, cfg.SECRET_KEY, ""),
			Secure:    cfg.USE_SSL,
			Transport: transport,
		})
		if err != nil {
			initError = err
			return
		}

		mc = &MinioClient{
			client:     cli,
			bucket:     cfg.OUTPUT_BUCKET,
			presignTTL: cfg.PRESIGN_TTL,
			transport:  transport,
		}
	})
	if initError != nil {
		return nil, initError
	}
	return mc, nil
}

func ResetMinioClient() {
	mc = nil
	once = sync.Once{}
	initError = nil
}

// PresignGet checks the object exists and returns a time limited download URL.
func (m *MinioClient) PresignGet(ctx context.Context, objectPath string) (string, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/PresignGet")
	defer span.End()
	span.AddEvent("minio.context",
		trace.WithAttributes(attribute.String("object", objectPath)),
	)

	if _, err := m.client.StatObject(ctx, m.bucket, objectPath, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", fmt.Errorf("%s: %w", objectPath, storage.ErrObjectNotFound)
		}
		util.RecordSpanError(span, err)
		return "", err
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(objectPath)))

	u, err := m.client.PresignedGetObject(ctx, m.bucket, objectPath, m.presignTTL, params)
	if err != nil {
		util.RecordSpanError(span, err)
		return "", err
	}
	return u.String(), nil
}

func (m *MinioClient) ShutDown(ctx context.Context) {
	m.transport.CloseIdleConnections()
}
