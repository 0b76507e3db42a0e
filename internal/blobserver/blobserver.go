// Package blobserver implements C6: uploading (and, for purge, deleting)
// blobs on a fan-out of content-addressed HTTP servers, with a HEAD
// presence probe, per-blob authorization records, and bounded parallelism
// (spec.md §4.6, §5).
package blobserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nsite-tools/nsite-publish/internal/collector"
	"github.com/nsite-tools/nsite-publish/internal/corefail"
	"github.com/nsite-tools/nsite-publish/internal/model"
	"github.com/nsite-tools/nsite-publish/internal/signer"
)

// DefaultParallelism is K from spec.md §4.6.
const DefaultParallelism = 4

// AuthExpiration is the lifetime of an authorization record's
// "expiration" tag (spec.md §5).
const AuthExpiration = 120 * time.Second

// HTTPTimeout bounds every HTTP request (spec.md §5).
const HTTPTimeout = 30 * time.Second

// httpClient is tuned the way the teacher tunes its registry-push
// transport (pkg/push/pushcasregistry.go): a dedicated client so blob
// traffic never shares connection-pool quirks with unrelated callers.
var httpClient = &http.Client{
	Timeout: HTTPTimeout,
	Transport: &http.Transport{
		MaxIdleConnsPerHost: DefaultParallelism * 2,
		IdleConnTimeout:     90 * time.Second,
	},
}

// Clock is injectable for tests.
type Clock func() time.Time

// Uploader uploads FileEntry blobs to a fixed list of servers.
type Uploader struct {
	Servers     []string
	Signer      signer.Signer
	Parallelism int64
	Now         Clock
	AppName     string
}

// New constructs an Uploader with the default parallelism and a real clock.
func New(servers []string, s signer.Signer, appName string) *Uploader {
	return &Uploader{
		Servers:     servers,
		Signer:      s,
		Parallelism: DefaultParallelism,
		Now:         time.Now,
		AppName:     appName,
	}
}

// UploadOutcome is the result of attempting to store one blob on all
// servers, plus the announcement record to publish if it was stored at
// least once.
type UploadOutcome struct {
	Entry        model.FileEntry
	ServerResults []model.ServerResult
	Stored       bool
	Announcement *model.Record
}

// UploadAll uploads every entry in entries, bounding the number of
// in-flight blobs at u.Parallelism (spec.md §4.6, §5). Entries that fail
// on every server are not announced.
func (u *Uploader) UploadAll(ctx context.Context, entries []model.FileEntry, col *collector.Collector) ([]UploadOutcome, error) {
	limit := u.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}
	sem := semaphore.NewWeighted(limit)
	outcomes := make([]UploadOutcome, len(entries))

	done := make(chan int, len(entries))
	for i, entry := range entries {
		if err := sem.Acquire(ctx, 1); err != nil {
			return outcomes, corefail.Wrap(corefail.Cancelled, err)
		}
		i, entry := i, entry
		go func() {
			defer sem.Release(1)
			outcomes[i] = u.uploadOne(ctx, entry, col)
			done <- i
		}()
	}
	for range entries {
		select {
		case <-done:
		case <-ctx.Done():
			return outcomes, corefail.Wrap(corefail.Cancelled, ctx.Err())
		}
	}
	return outcomes, nil
}

func (u *Uploader) uploadOne(ctx context.Context, entry model.FileEntry, col *collector.Collector) UploadOutcome {
	results := make([]model.ServerResult, len(u.Servers))
	stored := false
	for i, server := range u.Servers {
		res := u.tryServer(ctx, server, entry)
		results[i] = res
		if res.Success {
			stored = true
		}
		msg := "success"
		if !res.Success {
			msg = res.ErrKind
			if res.Status != 0 {
				msg = fmt.Sprintf("%s (status %d)", res.ErrKind, res.Status)
			}
		}
		col.Add(collector.EntryServer, server, msg)
	}

	outcome := UploadOutcome{Entry: entry, ServerResults: results, Stored: stored}
	if !stored {
		return outcome
	}

	rec, err := u.announce(ctx, entry)
	if err != nil {
		col.Add(collector.EntryFile, entry.Path, "announce-sign-failed: "+err.Error())
		return outcome
	}
	outcome.Announcement = &rec
	return outcome
}

func (u *Uploader) tryServer(ctx context.Context, server string, entry model.FileEntry) model.ServerResult {
	server = normalizeServer(server)
	if present, err := u.headProbe(ctx, server, entry.Hash); err == nil && present {
		return model.ServerResult{Server: server, Success: true}
	}

	authHeader, err := u.authHeader(ctx, "upload", entry.Hash, fmt.Sprintf("upload %s", entry.Path))
	if err != nil {
		return model.ServerResult{Server: server, Success: false, ErrKind: string(corefail.SignerUnreachable)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, server+"upload", bytes.NewReader(entry.Content))
	if err != nil {
		return model.ServerResult{Server: server, Success: false, ErrKind: string(corefail.UploadTransport)}
	}
	req.Header.Set("Authorization", authHeader)
	req.ContentLength = int64(len(entry.Content))

	resp, err := httpClient.Do(req)
	if err != nil {
		return model.ServerResult{Server: server, Success: false, ErrKind: string(corefail.UploadTransport)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return model.ServerResult{Server: server, Success: true, Status: resp.StatusCode}
	}
	errKind := string(corefail.UploadRejected)
	if len(body) > 0 {
		errKind = fmt.Sprintf("%s: %s", errKind, strings.TrimSpace(string(body)))
	}
	return model.ServerResult{
		Server:  server,
		Success: false,
		ErrKind: errKind,
		Status:  resp.StatusCode,
	}
}

// HeadProbe reports whether hash is already present on server, without
// uploading or authorizing anything. Used for the ambiguity check in
// spec.md §4.7 step 2.
func (u *Uploader) HeadProbe(ctx context.Context, server, hash string) (bool, error) {
	return u.headProbe(ctx, normalizeServer(server), hash)
}

func (u *Uploader) headProbe(ctx context.Context, server, hash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, server+hash, nil)
	if err != nil {
		return false, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Delete sends an authenticated DELETE for hash to every server
// (spec.md §4.7 step 7).
func (u *Uploader) Delete(ctx context.Context, hash string, col *collector.Collector) []model.ServerResult {
	results := make([]model.ServerResult, len(u.Servers))
	for i, server := range u.Servers {
		server = normalizeServer(server)
		authHeader, err := u.authHeader(ctx, "delete", hash, fmt.Sprintf("delete %s", hash))
		if err != nil {
			results[i] = model.ServerResult{Server: server, Success: false, ErrKind: string(corefail.SignerUnreachable)}
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, server+hash, nil)
		if err != nil {
			results[i] = model.ServerResult{Server: server, Success: false, ErrKind: string(corefail.UploadTransport)}
			continue
		}
		req.Header.Set("Authorization", authHeader)
		resp, err := httpClient.Do(req)
		if err != nil {
			results[i] = model.ServerResult{Server: server, Success: false, ErrKind: string(corefail.UploadTransport)}
			continue
		}
		resp.Body.Close()
		ok := resp.StatusCode >= 200 && resp.StatusCode < 300
		results[i] = model.ServerResult{Server: server, Success: ok, Status: resp.StatusCode}
		col.Add(collector.EntryServer, server, fmt.Sprintf("delete %s: %v", hash, ok))
	}
	return results
}

func (u *Uploader) authHeader(ctx context.Context, action, hash, content string) (string, error) {
	tmpl := model.Template{
		Kind:      model.BlobAuthKind,
		CreatedAt: u.now().Unix(),
		Tags: model.Tags{
			{"t", action},
			{"x", hash},
			{"expiration", strconv.FormatInt(u.now().Add(AuthExpiration).Unix(), 10)},
		},
		Content: content,
	}
	rec, err := u.Signer.Sign(ctx, tmpl)
	if err != nil {
		return "", corefail.Wrap(corefail.SignerUnreachable, err)
	}
	wire := map[string]any{
		"id":         rec.IDHex(),
		"pubkey":     rec.PubKeyHex(),
		"created_at": rec.CreatedAt,
		"kind":       rec.Kind,
		"tags":       rec.Tags,
		"content":    rec.Content,
		"sig":        fmt.Sprintf("%x", rec.Sig[:]),
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(raw), nil
}

func (u *Uploader) announce(ctx context.Context, entry model.FileEntry) (model.Record, error) {
	tmpl := model.Template{
		Kind:      model.FileAnnouncementKind,
		CreatedAt: u.now().Unix(),
		Tags: model.Tags{
			{"d", entry.Path},
			{"x", entry.Hash},
			{"m", entry.MediaType},
			{"size", strconv.FormatInt(entry.Size, 10)},
			{"client", u.AppName},
		},
	}
	return u.Signer.Sign(ctx, tmpl)
}

func (u *Uploader) now() time.Time {
	if u.Now != nil {
		return u.Now()
	}
	return time.Now()
}

func normalizeServer(server string) string {
	if !strings.HasSuffix(server, "/") {
		return server + "/"
	}
	return server
}
