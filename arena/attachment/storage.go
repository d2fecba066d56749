package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// =============================================================================
// ☁️ S3 对象存储
// =============================================================================

// S3Config S3 兼容存储配置
type S3Config struct {
	Bucket          string        `yaml:"bucket" json:"bucket" env:"BUCKET"`
	Region          string        `yaml:"region" json:"region" env:"REGION"`
	Endpoint        string        `yaml:"endpoint" json:"endpoint" env:"ENDPOINT"` // MinIO / R2 等
	AccessKeyID     string        `yaml:"access_key_id" json:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string        `yaml:"secret_access_key" json:"-" env:"SECRET_ACCESS_KEY"`
	UsePathStyle    bool          `yaml:"use_path_style" json:"use_path_style" env:"USE_PATH_STYLE"`
	PresignTTL      time.Duration `yaml:"presign_ttl" json:"presign_ttl" env:"PRESIGN_TTL"`
	MaxObjectBytes  int64         `yaml:"max_object_bytes" json:"max_object_bytes" env:"MAX_OBJECT_BYTES"`
}

// S3Storage 读写附件与 TTS 音频，并为图片生成短期签名 URL
type S3Storage struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     S3Config
	logger  *zap.Logger
}

// NewS3Storage 从配置创建存储。未配置静态密钥时使用默认凭证链。
func NewS3Storage(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Storage(client, cfg, logger), nil
}

func newS3Storage(client *s3.Client, cfg S3Config, logger *zap.Logger) *S3Storage {
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	if cfg.MaxObjectBytes <= 0 {
		cfg.MaxObjectBytes = 64 << 20
	}
	return &S3Storage{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "s3_storage")),
	}
}

// Get 读取对象内容
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.cfg.MaxObjectBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	if int64(len(data)) > s.cfg.MaxObjectBytes {
		return nil, fmt.Errorf("object %s exceeds %d bytes", key, s.cfg.MaxObjectBytes)
	}
	return data, nil
}

// Put 写入对象，返回存储路径（即对象 key）
func (s *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key = objectKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	s.logger.Debug("object stored", zap.String("key", key), zap.Int("bytes", len(data)))
	return key, nil
}

// SignURL 为对象生成短期可访问的 GET 链接
func (s *S3Storage) SignURL(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(objectKey(key)),
	}, func(o *s3.PresignOptions) {
		o.Expires = s.cfg.PresignTTL
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// 路径可能带前导斜杠或 s3://bucket/ 前缀
func objectKey(path string) string {
	if rest, ok := strings.CutPrefix(path, "s3://"); ok {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[i+1:]
		}
	}
	return strings.TrimPrefix(path, "/")
}
