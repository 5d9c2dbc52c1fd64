package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	sc "github.com/openclinic/chartsync/internal/server/config"
	"github.com/openclinic/chartsync/internal/server/models"
	"github.com/openclinic/chartsync/internal/server/repositories/repomanager"
)

// Seams for testing the AWS SDK interactions without object storage.
var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// AttachmentService issues presigned object-storage URLs so attachment bytes
// never pass through the sync server, and tracks upload state per record.
type AttachmentService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *sc.Config
}

func NewAttachmentService(db *sql.DB, m repomanager.RepositoryManager, config *sc.Config) *AttachmentService {
	return &AttachmentService{
		db:          db,
		repomanager: m,
		config:      config,
	}
}

func storageKey(recordID string) string {
	d := time.Now()
	return fmt.Sprintf("collections/attachments/%d/%d/%d/%s-%v", d.Year(), d.Month(), d.Day(), recordID, uuid.New())
}

func (s *AttachmentService) getPresignClient() (*s3.PresignClient, error) {
	cfg, err := loadDefaultAWSConfig(context.Background(),
		awsconfig.WithRegion(s.config.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,
			s.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
	})

	return newS3PresignClient(client), nil
}

// UploadURL presigns a PUT for the record's attachment bytes and registers
// the pending upload. Calling it again issues a fresh URL for the same
// record.
func (s *AttachmentService) UploadURL(ctx context.Context, recordID string) (string, error) {
	presignClient, err := s.getPresignClient()
	if err != nil {
		return "", err
	}

	bucket := s.config.S3Bucket
	key := storageKey(recordID)

	req, err := presignPutObject(presignClient, ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(s.config.PresignExpiry))
	if err != nil {
		return "", err
	}

	err = s.repomanager.Attachments(s.db).Upsert(ctx, &models.AttachmentUpload{
		RecordID:     recordID,
		StorageKey:   key,
		UploadStatus: models.UploadStatusPending,
	})
	if err != nil {
		return "", fmt.Errorf("error registering upload: %w", err)
	}

	return req.URL, nil
}

// MarkUploaded records that the device finished its presigned PUT.
func (s *AttachmentService) MarkUploaded(ctx context.Context, recordID string) error {
	if err := s.repomanager.Attachments(s.db).MarkUploaded(ctx, recordID); err != nil {
		return fmt.Errorf("error updating upload: %w", err)
	}
	return nil
}

// DownloadURL presigns a GET for a previously uploaded attachment.
func (s *AttachmentService) DownloadURL(ctx context.Context, recordID string) (string, error) {
	u, err := s.repomanager.Attachments(s.db).Get(ctx, recordID)
	if err != nil {
		return "", err
	}

	presignClient, err := s.getPresignClient()
	if err != nil {
		return "", err
	}

	bucket := s.config.S3Bucket
	req, err := presignGetObject(presignClient, ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &u.StorageKey,
	}, s3.WithPresignExpires(s.config.PresignExpiry))
	if err != nil {
		return "", err
	}

	return req.URL, nil
}
