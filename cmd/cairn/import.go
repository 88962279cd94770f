package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	cairn "github.com/go-cairn/cairn"
	"github.com/go-cairn/cairn/ingest"
	"github.com/go-cairn/cairn/internal/config"
	qredis "github.com/go-cairn/cairn/queue/redis"
)

// runImport walks the given paths, stores each supported file as a content
// item, and enqueues a content event so the worker embeds it. PDF text is
// extracted here; markdown and HTML stay raw for the pipeline's
// preprocessor.
func runImport(ctx context.Context, cfg config.Config, args []string) error {
	flags := flag.NewFlagSet("import", flag.ContinueOnError)
	user := flags.String("user", "", "owner userId for the imported content (required)")
	category := flags.String("category", "notes", "content category")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("import: -user is required")
	}
	if flags.NArg() == 0 {
		return errors.New("import: need at least one file or directory")
	}

	logger := newLogger()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.Addr,
		Password: cfg.Queue.Password,
		DB:       cfg.Queue.DB,
	})
	defer rdb.Close()

	queueOpts := []qredis.QueueOption{qredis.QueueLogger(logger)}
	if cfg.Queue.Stream != "" {
		queueOpts = append(queueOpts, qredis.QueueStream(cfg.Queue.Stream))
	}
	queue, err := qredis.NewQueue(ctx, rdb, queueOpts...)
	if err != nil {
		return err
	}

	imported := 0
	for _, root := range flags.Args() {
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			item, ok, err := readItem(path, *user, *category)
			if err != nil {
				logger.Warn("skipping file", "path", path, "error", err)
				return nil
			}
			if !ok {
				return nil
			}
			if err := store.StoreContent(ctx, item); err != nil {
				return err
			}
			if err := queue.Publish(ctx, item.ContentEvent); err != nil {
				return err
			}
			imported++
			logger.Info("imported", "path", path, "id", item.ID)
			return nil
		})
		if walkErr != nil {
			return walkErr
		}
	}
	logger.Info("import complete", "count", imported)
	return nil
}

// readItem loads one file as a content item. ok is false for unsupported
// extensions.
func readItem(path, userID, category string) (cairn.ContentItem, bool, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".md", ".markdown", ".html", ".htm", ".txt", ".pdf":
	default:
		return cairn.ContentItem{}, false, nil
	}
	mime := ingest.MimeTypeFromExtension(ext)

	raw, err := os.ReadFile(path)
	if err != nil {
		return cairn.ContentItem{}, false, err
	}
	body := string(raw)
	if mime == ingest.MimePDF {
		body, err = ingest.ExtractPDF(raw)
		if err != nil {
			return cairn.ContentItem{}, false, err
		}
		mime = ingest.MimePlainText
	}

	item := cairn.ContentItem{
		ContentEvent: cairn.ContentEvent{
			ID:        uuid.NewString(),
			UserID:    userID,
			Category:  category,
			MimeType:  mime,
			CreatedAt: time.Now().Unix(),
			Version:   1,
		},
		Title: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Body:  body,
	}
	return item, true, nil
}
