package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/viper"

	"github.com/openmined/dirvault/internal/backup"
	"github.com/openmined/dirvault/internal/blob"
)

// newTarget builds the blob client and manifest store for the configured
// bucket/prefix/endpoint.
func newTarget(ctx context.Context) (blob.Client, *backup.Store, error) {
	bucket := viper.GetString("bucket")
	if bucket == "" {
		return nil, nil, errors.New("destination bucket is required (--bucket or DIRVAULT_BUCKET)")
	}

	cfg := &blob.S3Config{
		BucketName: bucket,
		Region:     viper.GetString("region"),
		Endpoint:   viper.GetString("endpoint"),
		AccessKey:  os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey:  os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}

	client, err := blob.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	return client, backup.NewStore(client, viper.GetString("prefix")), nil
}

// loadPolicy merges the keep-* flags with an optional YAML policy file. The
// file, when given, wins.
func loadPolicy(policyFile string, daily, weekly, monthly int) (*backup.Policy, error) {
	if policyFile != "" {
		return backup.LoadPolicyFile(policyFile)
	}
	return &backup.Policy{Daily: daily, Weekly: weekly, Monthly: monthly}, nil
}
