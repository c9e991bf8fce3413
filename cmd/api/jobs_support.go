package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/paper-view/internal/backend"
	"github.com/yourusername/paper-view/internal/config"
	"github.com/yourusername/paper-view/internal/jobs"
	"github.com/yourusername/paper-view/internal/storage"
	"github.com/yourusername/paper-view/internal/viewer"
)

const redisPingTimeout = 2 * time.Second

// jobBacking はジョブキューと表示状態の保存先です。Redis が無ければプロセス内で代替します。
type jobBacking struct {
	queue    jobs.Queue
	metadata viewer.MetadataStore
	closers  []io.Closer
}

func (b *jobBacking) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type managerCloser struct{ m *jobs.Manager }

func (c managerCloser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.m.Shutdown(ctx)
}

func setupJobs(ctx context.Context, cfg *config.Config, local *storage.Local, logger *log.Logger) (*jobBacking, error) {
	ttlMinutes := cfg.JobExpireMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 10
	}
	ttl := time.Duration(ttlMinutes) * time.Minute
	runner := jobs.NewRunner(local, backend.OpenBackend, logger, cfg.RenderDebug)

	redisClient, err := connectRedis(ctx, cfg.QueueRedisURL)
	if err != nil {
		if cfg.GinMode == gin.ReleaseMode {
			return nil, err
		}
		logger.Printf("Redis unavailable (%v); running jobs in process", err)
		return &jobBacking{
			queue:    jobs.NewInlineQueue(ctx, jobs.NewMemoryStore(ttl), local, runner, ttl, logger),
			metadata: viewer.NewMemoryMetadata(),
		}, nil
	}

	store := jobs.NewRedisStore(redisClient, ttl)
	manager, err := jobs.NewManager(cfg.QueueRedisURL, store, local, runner, ttl, logger)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}
	manager.StartWorkers()
	return &jobBacking{
		queue:    manager,
		metadata: viewer.NewRedisMetadata(redisClient, 0),
		closers:  []io.Closer{redisClient, managerCloser{manager}},
	}, nil
}

func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, errors.New("QUEUE_REDIS_URL is empty")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func jobStatusHandler(queue jobs.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := queue.GetRecord(c.Request.Context(), jobID)
		if errors.Is(err, jobs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}

		payload := gin.H{
			"jobId":      record.JobID,
			"operation":  record.Operation,
			"documentId": record.DocumentID,
			"status":     record.Status,
			"progress": gin.H{
				"percent": record.Progress.Percent,
				"stage":   record.Progress.Stage,
				"message": record.Progress.Message,
			},
			"updatedAt": record.UpdatedAt,
		}
		if record.DownloadURL != "" {
			payload["downloadUrl"] = record.DownloadURL
		}
		if record.Meta != nil {
			payload["meta"] = record.Meta
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}

		c.JSON(http.StatusOK, payload)
	}
}

func jobDownloadHandler(queue jobs.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		result, file, err := queue.OpenResult(jobID)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, storage.ErrInvalidID) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_RESULT_NOT_FOUND",
					"message": "ジョブの成果物が見つかりませんでした。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの成果物取得に失敗しました。",
			})
			return
		}
		defer file.Close()

		encodedName := url.PathEscape(result.Filename)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", result.Filename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", result.JobID)
		c.DataFromReader(http.StatusOK, result.Size, result.ContentType, file, nil)
	}
}
