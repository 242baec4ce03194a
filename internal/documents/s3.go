package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/AzizBrinis/invoice-app-sub004/internal/config"
	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
)

const maxDocumentBytes = 20 * 1024 * 1024

// ErrNotFound is returned when no rendered PDF exists for a document.
var ErrNotFound = errors.New("document not rendered")

// Document is a rendered PDF ready to attach.
type Document struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Source fetches rendered documents.
type Source interface {
	Fetch(ctx context.Context, userID string, docType models.DocumentType, documentID string) (Document, error)
}

// S3Source reads PDFs stored by the rendering service at {prefix}/{userId}/{documentType}/{documentId}.pdf.
type S3Source struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Source(client *s3.Client, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// NewS3SourceFromConfig builds the S3 client from the documents settings. It returns nil when no bucket is set.
func NewS3SourceFromConfig(ctx context.Context, cfg config.Config) (*S3Source, error) {
	if cfg.DocumentsS3Bucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DocumentsS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.DocumentsS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DocumentsS3Endpoint)
		}
		o.UsePathStyle = cfg.DocumentsS3PathStyle
	})
	return NewS3Source(client, cfg.DocumentsS3Bucket, cfg.DocumentsS3Prefix), nil
}

// Key returns the object key for a document.
func (s *S3Source) Key(userID string, docType models.DocumentType, documentID string) string {
	key := path.Join(userID, strings.ToLower(string(docType)), documentID+".pdf")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Fetch downloads the rendered PDF.
func (s *S3Source) Fetch(ctx context.Context, userID string, docType models.DocumentType, documentID string) (Document, error) {
	key := s.Key(userID, docType, documentID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return Document{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Document{}, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, maxDocumentBytes+1))
	if err != nil {
		return Document{}, fmt.Errorf("read object %s: %w", key, err)
	}
	if len(body) > maxDocumentBytes {
		return Document{}, fmt.Errorf("document %s too large (>%d bytes)", key, maxDocumentBytes)
	}
	contentType := aws.ToString(out.ContentType)
	if contentType == "" || contentType == "binary/octet-stream" {
		contentType = "application/pdf"
	}
	return Document{
		Filename:    documentID + ".pdf",
		ContentType: contentType,
		Content:     body,
	}, nil
}
