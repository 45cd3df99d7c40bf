package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// defaultBucket 在未配置桶名时使用。
const defaultBucket = "c2d-job-records"

// MinIOConfig 指定存放作业文档的桶。
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Prefix 加在每个对象键之前。
	Prefix string
}

// MinIOStore 每个作业存一个 JSON 对象，另有一个历史索引对象。
type MinIOStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIOStore 建立连接，桶不存在时创建。
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when recorder.backend=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return &MinIOStore{client: client, bucket: bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// jobKey 返回 jobs/{id}.json。
func (s *MinIOStore) jobKey(jobID string) string {
	return s.key("jobs", jobID+".json")
}

// historyKey 返回历史索引的对象键。
func (s *MinIOStore) historyKey() string {
	return s.key("history.json")
}

// key 拼接前缀与路径段。
func (s *MinIOStore) key(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

// SaveJob 写入作业文档。
func (s *MinIOStore) SaveJob(ctx context.Context, rec JobRecord) error {
	return s.put(ctx, s.jobKey(rec.Metadata.JobID), rec)
}

// GetJob 读取作业文档，对象不存在时返回 ErrNotFound。
func (s *MinIOStore) GetJob(ctx context.Context, jobID string) (JobRecord, error) {
	var rec JobRecord
	if err := s.get(ctx, s.jobKey(jobID), &rec); err != nil {
		return JobRecord{}, err
	}
	return rec, nil
}

// SaveHistory 写入历史索引。
func (s *MinIOStore) SaveHistory(ctx context.Context, h JobHistory) error {
	return s.put(ctx, s.historyKey(), h)
}

// GetHistory 读取历史索引，不存在时返回空索引。
func (s *MinIOStore) GetHistory(ctx context.Context) (JobHistory, error) {
	var h JobHistory
	err := s.get(ctx, s.historyKey(), &h)
	if err == ErrNotFound {
		return JobHistory{}, nil
	}
	return h, err
}

// Close 客户端无需关闭。
func (s *MinIOStore) Close() error { return nil }

// put 以 JSON 写入对象。
func (s *MinIOStore) put(ctx context.Context, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// get 读取对象并解码 JSON。
func (s *MinIOStore) get(ctx context.Context, key string, out any) error {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, out)
}
