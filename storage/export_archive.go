package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"roomcast/config"
	"roomcast/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectInfo 归档文件信息
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	ContentType  string    `json:"contentType"`
}

// ExportArchive 房间导出的 MinIO 归档，对象路径为 exports/{roomId}/{unixMillis}.{ext}
type ExportArchive struct {
	client *minio.Client
	bucket string
}

// NewExportArchive 连接 MinIO 并确保存储桶存在
func NewExportArchive(ctx context.Context, cfg *config.Config) (*ExportArchive, error) {
	if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
		return nil, fmt.Errorf("MinIO credentials are not configured")
	}
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{Region: cfg.MinioRegion}); err != nil {
			return nil, fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("MinIO bucket created", logger.String("bucket", cfg.MinioBucket))
	}
	return &ExportArchive{client: client, bucket: cfg.MinioBucket}, nil
}

// ObjectKey 导出对象路径
func ObjectKey(roomID string, at time.Time, ext string) string {
	return fmt.Sprintf("exports/%s/%d.%s", roomID, at.UnixMilli(), ext)
}

// Save 上传一份导出，返回对象路径
func (a *ExportArchive) Save(ctx context.Context, roomID, ext, contentType string, data []byte) (string, error) {
	key := ObjectKey(roomID, time.Now(), ext)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}
	logger.Info("export archived", logger.Room(roomID), logger.String("key", key), logger.Int("bytes", len(data)))
	return key, nil
}

// List 房间的历史导出，最新的在前
func (a *ExportArchive) List(ctx context.Context, roomID string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    fmt.Sprintf("exports/%s/", roomID),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list exports: %w", obj.Err)
		}
		out = append(out, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ContentType:  inferContentType(obj.Key),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

// Get 读取一份导出
func (a *ExportArchive) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get export: %w", err)
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// DeleteRoom 删除房间的全部导出
func (a *ExportArchive) DeleteRoom(ctx context.Context, roomID string) error {
	objects := a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    fmt.Sprintf("exports/%s/", roomID),
		Recursive: true,
	})
	for res := range a.client.RemoveObjects(ctx, a.bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil {
			return fmt.Errorf("delete export %s: %w", res.ObjectName, res.Err)
		}
	}
	return nil
}

func inferContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".json":
		return "application/json"
	case ".md":
		return "text/markdown"
	case ".html":
		return "text/html"
	}
	return "application/octet-stream"
}
