package blob

type S3Config struct {
	BucketName string
	Region     string
	AccessKey  string
	SecretKey  string
	Endpoint   string
}

// WithS3Config creates a configuration for an S3 bucket
func WithS3Config(bucketName, region, accessKey, secretKey string) *S3Config {
	return &S3Config{
		BucketName: bucketName,
		Region:     region,
		AccessKey:  accessKey,
		SecretKey:  secretKey,
	}
}

// WithMinioConfig creates a configuration for a MinIO bucket
func WithMinioConfig(url, bucketName, accessKey, secretKey string) *S3Config {
	return &S3Config{
		BucketName: bucketName,
		Endpoint:   url,
		Region:     "us-east-1",
		AccessKey:  accessKey,
		SecretKey:  secretKey,
	}
}
