package services

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/lfglabs-dev/api.calorily.com/models"
	"github.com/lfglabs-dev/api.calorily.com/utils"
)

// ImageStore keeps the original photo of a meal. Put runs before the meal
// row is saved and records where the bytes went on the meal itself.
type ImageStore interface {
	Put(ctx context.Context, meal *models.Meal, data []byte) error
	Get(ctx context.Context, meal *models.Meal) ([]byte, error)
	Delete(ctx context.Context, meal *models.Meal) error
}

// InlineImageStore keeps the bytes in the meal row.
type InlineImageStore struct{}

func (InlineImageStore) Put(_ context.Context, meal *models.Meal, data []byte) error {
	meal.Image = data
	return nil
}

func (InlineImageStore) Get(_ context.Context, meal *models.Meal) ([]byte, error) {
	if len(meal.Image) == 0 {
		return nil, fmt.Errorf("meal %s has no inline image", meal.ID)
	}
	return meal.Image, nil
}

func (InlineImageStore) Delete(context.Context, *models.Meal) error { return nil }

// S3API is the subset of the S3 client used for meal photos.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3ImageStore keeps photos in a private bucket, keyed by user, meal id and
// upload attempt, so a losing create for the same meal id never shares a key
// with the winner. Meals saved inline before the bucket was configured stay
// readable.
type S3ImageStore struct {
	client S3API
	bucket string
	prefix string
}

func NewS3ImageStore(client S3API, bucket, prefix string) *S3ImageStore {
	return &S3ImageStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3ImageStore) key(meal *models.Meal) string {
	return fmt.Sprintf("%s%s/%s-%s%s", s.prefix, meal.UserID, meal.ID, uuid.NewString()[:8], utils.ImageExtension(meal.ContentType))
}

func (s *S3ImageStore) Put(ctx context.Context, meal *models.Meal, data []byte) error {
	key := s.key(meal)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(meal.ContentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	meal.ImageKey = key
	meal.Image = nil
	return nil
}

func (s *S3ImageStore) Get(ctx context.Context, meal *models.Meal) ([]byte, error) {
	if meal.ImageKey == "" {
		return InlineImageStore{}.Get(ctx, meal)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(meal.ImageKey),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from S3: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3ImageStore) Delete(ctx context.Context, meal *models.Meal) error {
	if meal.ImageKey == "" {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(meal.ImageKey),
	})
	return err
}
