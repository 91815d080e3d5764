package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentworkforce/inkrelay/internal/history"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Inbox files are dropped by the canvas process:
//
//	page-3.json  {"pageId": "...", "kind": "freehand", "items": [...]}
//	page-3.pdf   background document for page 3
var inboxPattern = regexp.MustCompile(`^page-(\d+)\.([a-z0-9]+)$`)

type inboxPage struct {
	PageID string           `json:"pageId"`
	Kind   history.PageKind `json:"kind"`
	Items  []history.Item   `json:"items"`
}

type pageSink interface {
	CreatePage(pageIdx int, pageID string, kind history.PageKind) error
	RecordChange(pageIdx int, items []history.Item) (int, error)
	ScheduleSync(pageIdx int)
	UploadDocument(pageIdx int, data []byte, contentType string) error
}

// ingestFile records one inbox file. ok is false for names the inbox does
// not own.
func ingestFile(sink pageSink, path string) (pageIdx int, ok bool, err error) {
	match := inboxPattern.FindStringSubmatch(filepath.Base(path))
	if match == nil {
		return 0, false, nil
	}
	pageIdx, err = strconv.Atoi(match[1])
	if err != nil {
		return 0, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return pageIdx, true, err
	}
	if match[2] != "json" {
		contentType := mime.TypeByExtension("." + match[2])
		if err := sink.UploadDocument(pageIdx, data, contentType); err != nil {
			return pageIdx, true, err
		}
		return pageIdx, true, nil
	}

	var page inboxPage
	if err := json.Unmarshal(data, &page); err != nil {
		return pageIdx, true, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	kind := page.Kind
	if kind == "" {
		kind = history.PageFreehand
	}
	if err := sink.CreatePage(pageIdx, strings.TrimSpace(page.PageID), kind); err != nil {
		return pageIdx, true, err
	}
	if _, err := sink.RecordChange(pageIdx, page.Items); err != nil {
		return pageIdx, true, err
	}
	sink.ScheduleSync(pageIdx)
	return pageIdx, true, nil
}

// ingestDir records every inbox file currently present. Page files go first
// so documents find their page.
func ingestDir(sink pageSink, dir string, log logrus.FieldLogger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var pages, docs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".json") {
			pages = append(pages, entry.Name())
		} else {
			docs = append(docs, entry.Name())
		}
	}
	for _, name := range append(pages, docs...) {
		if _, _, err := ingestFile(sink, filepath.Join(dir, name)); err != nil {
			log.WithError(err).WithField("file", name).Warn("inbox file rejected")
		}
	}
	return nil
}

// watchInbox records inbox files as they are written until ctx ends.
func watchInbox(ctx context.Context, sink pageSink, dir string, log logrus.FieldLogger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			pageIdx, owned, err := ingestFile(sink, event.Name)
			if !owned {
				continue
			}
			entry := log.WithFields(logrus.Fields{"file": filepath.Base(event.Name), "page": pageIdx})
			if err != nil {
				entry.WithError(err).Warn("inbox file rejected")
				continue
			}
			entry.Debug("inbox file recorded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("inbox watcher error")
		}
	}
}
