package storage

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Provider implements the Provider API for AWS S3.
type S3Provider struct {
	*baseProvider

	s3Client *s3.Client
	s3Bucket string
	region   string
}

func NewS3Provider(region string, bucket string, prefix string, atom *zap.AtomicLevel) *S3Provider {
	return &S3Provider{
		baseProvider: newBaseProvider("", prefix, atom),
		s3Bucket:     bucket,
		region:       region,
	}
}

func (p *S3Provider) Connect() error {
	p.logger.Debug("Connecting to remote storage.",
		zap.String("remote_storage", "AWS S3"),
		zap.String("bucket", p.s3Bucket))

	p.status = Connecting

	ctx := context.Background()

	loadOptions := make([]func(*config.LoadOptions) error, 0, 1)
	if p.region != "" {
		loadOptions = append(loadOptions, config.WithRegion(p.region))
	}

	sdkConfig, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		p.logger.Error("Failed to load AWS SDK config", zap.Error(err))
		p.status = Disconnected
		return err
	}

	p.s3Client = s3.NewFromConfig(sdkConfig)

	p.status = Connected

	p.logger.Debug("Successfully connected to remote storage.",
		zap.String("remote_storage", "AWS S3"),
		zap.String("bucket", p.s3Bucket))

	return nil
}

func (p *S3Provider) Close() error {
	return nil
}

func (p *S3Provider) WriteCheckpoint(ctx context.Context, key string, payload []byte) error {
	objectKey := p.objectKey(key)

	_, err := p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.s3Bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		p.logger.Error("Error while writing checkpoint to S3.",
			zap.String("object_key", objectKey), zap.String("bucket", p.s3Bucket), zap.Error(err))
		return err
	}

	p.logger.Debug("Successfully wrote checkpoint to S3.",
		zap.String("object_key", objectKey), zap.String("bucket", p.s3Bucket),
		zap.Int("num_bytes", len(payload)))

	return nil
}

func (p *S3Provider) ReadCheckpoint(ctx context.Context, key string) ([]byte, error) {
	objectKey := p.objectKey(key)

	output, err := p.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.s3Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		p.logger.Error("Error while reading checkpoint from S3.",
			zap.String("object_key", objectKey), zap.String("bucket", p.s3Bucket), zap.Error(err))
		return nil, err
	}
	defer func() {
		_ = output.Body.Close()
	}()

	payload, err := io.ReadAll(output.Body)
	if err != nil {
		p.logger.Error("Error while reading checkpoint body from S3.",
			zap.String("object_key", objectKey), zap.String("bucket", p.s3Bucket), zap.Error(err))
		return nil, err
	}

	return payload, nil
}

func (p *S3Provider) objectKey(key string) string {
	if p.prefix == "" {
		return key + CheckpointFileExtension
	}

	return path.Join(p.prefix, key+CheckpointFileExtension)
}
