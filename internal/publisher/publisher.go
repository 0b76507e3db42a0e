// Package publisher implements C7: the orchestrator that wires
// walk -> fetch -> diff -> upload -> announce -> purge -> metadata,
// following the sequence in spec.md §4.7.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nsite-tools/nsite-publish/internal/bech32"
	"github.com/nsite-tools/nsite-publish/internal/blobserver"
	"github.com/nsite-tools/nsite-publish/internal/collector"
	"github.com/nsite-tools/nsite-publish/internal/corefail"
	"github.com/nsite-tools/nsite-publish/internal/diff"
	"github.com/nsite-tools/nsite-publish/internal/ignorefile"
	"github.com/nsite-tools/nsite-publish/internal/model"
	"github.com/nsite-tools/nsite-publish/internal/relay"
	"github.com/nsite-tools/nsite-publish/internal/signer"
	"github.com/nsite-tools/nsite-publish/internal/walker"
)

// DeletionExpiration is the lifetime attached to a deletion record's
// "expiration" tag (advisory only, per spec.md §9 open question (b)).
const DeletionExpiration = 24 * time.Hour

// ProfileFields is the content of a kind-0 profile metadata record.
type ProfileFields struct {
	Name    string `json:"name,omitempty"`
	About   string `json:"about,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Config fully describes one publish invocation. Loading it from flags or
// a config file is out of scope (spec.md §1); callers construct it
// directly.
type Config struct {
	Root              string
	Ignore            *ignorefile.Spec
	Signer            signer.Signer
	Servers           []string
	Relays            []string
	AppName           string
	Parallelism       int64
	Force             bool
	Purge             bool
	PublishRelayList  bool
	PublishServerList bool
	PublishProfile    bool
	Profile           ProfileFields
	GatewayHost       string
	Now               func() time.Time
	Logger            *slog.Logger
}

// Summary is the human-readable, machine-inspectable result of a publish
// run (spec.md §4.7 step 9, §7 "User-visible summary").
type Summary struct {
	UploadedFiles   int
	UnchangedFiles  int
	DeletedFiles    int
	ServerSuccesses map[string]int
	ServerAttempts  map[string]int
	RelayAccepts    map[string]int
	RelayAttempts   map[string]int
	ErrorGroups     []collector.Group
	GatewayURL      string
	Ambiguous       bool
	NoOp            bool
}

// Run executes the full publish sequence (spec.md §4.7).
func Run(ctx context.Context, cfg Config) (Summary, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	col := collector.New()

	if cfg.Signer == nil {
		return Summary{}, corefail.Wrap(corefail.ConfigMissing, fmt.Errorf("no signer configured"))
	}
	if len(cfg.Servers) == 0 || len(cfg.Relays) == 0 {
		return Summary{}, corefail.Wrap(corefail.ConfigMissing, fmt.Errorf("at least one server and one relay are required"))
	}

	pubKey, err := cfg.Signer.PublicKey(ctx)
	if err != nil {
		return Summary{}, corefail.Wrap(corefail.SignerUnreachable, err)
	}
	pubKeyHex := fmt.Sprintf("%x", pubKey[:])

	logger.Info("walking local tree", "root", cfg.Root)
	walked, err := walker.Walk(cfg.Root, cfg.Ignore)
	if err != nil {
		return Summary{}, corefail.Wrap(corefail.WalkIO, err)
	}
	for _, fe := range walked.Errors {
		col.Add(collector.EntryFile, fe.Path, string(corefail.HashIO)+": "+fe.Err.Error())
	}

	logger.Info("fetching remote state", "relays", len(cfg.Relays))
	remoteRecords, anyRelayOK := relay.FetchFileAnnouncements(ctx, cfg.Relays, pubKeyHex, col)
	remote := recordsToEntries(remoteRecords)

	ambiguous := false
	if len(remote) == 0 && !anyRelayOK {
		ambiguous, err = probeAmbiguity(ctx, cfg, walked.Included, col)
		if err != nil {
			return Summary{}, err
		}
		if ambiguous && !cfg.Force {
			return Summary{Ambiguous: true}, corefail.Wrap(corefail.DiffAmbiguous,
				fmt.Errorf("remote state unknown but blobs appear present on a server; re-run with Force to proceed"))
		}
	}

	var d model.Diff
	if ambiguous && cfg.Force {
		d = model.Diff{ToUpload: walked.Included}
	} else {
		d = diff.Compute(walked.Included, remote)
	}

	if len(d.ToUpload) == 0 && len(d.ToDelete) == 0 && !cfg.Force {
		url, _ := gatewayURL(pubKey, cfg.GatewayHost)
		return Summary{NoOp: true, GatewayURL: url}, nil
	}

	for i := range d.ToUpload {
		content, err := walker.ReadContent(cfg.Root, d.ToUpload[i])
		if err != nil {
			col.Add(collector.EntryFile, d.ToUpload[i].Path, string(corefail.HashIO)+": "+err.Error())
			continue
		}
		d.ToUpload[i].Content = content
	}

	uploader := blobserver.New(cfg.Servers, cfg.Signer, cfg.AppName)
	if cfg.Parallelism > 0 {
		uploader.Parallelism = cfg.Parallelism
	}
	uploader.Now = cfg.Now

	logger.Info("uploading", "count", len(d.ToUpload))
	outcomes, err := uploader.UploadAll(ctx, d.ToUpload, col)
	if err != nil {
		return Summary{}, err
	}

	serverSuccesses := map[string]int{}
	serverAttempts := map[string]int{}
	uploadedCount := 0
	for _, o := range outcomes {
		for _, sr := range o.ServerResults {
			serverAttempts[sr.Server]++
			if sr.Success {
				serverSuccesses[sr.Server]++
			}
		}
		if o.Announcement == nil {
			continue
		}
		uploadedCount++
		if _, ok := relay.PublishToRelays(ctx, cfg.Relays, *o.Announcement, col); !ok {
			col.Add(collector.EntryFile, o.Entry.Path, "no relay accepted announcement")
		}
	}

	relayAccepts := map[string]int{}
	relayAttempts := map[string]int{}
	for _, e := range col.Entries() {
		if e.Category != collector.EntryRelay {
			continue
		}
		relayAttempts[e.Key]++
		if e.Message == "accepted" {
			relayAccepts[e.Key]++
		}
	}

	deletedCount := 0
	if cfg.Purge {
		deletedCount = len(d.ToDelete)
		logger.Info("purging", "count", len(d.ToDelete))
		if err := purge(ctx, cfg, d.ToDelete, uploader, col); err != nil {
			return Summary{}, err
		}
	}

	if cfg.PublishRelayList {
		if err := publishRelayList(ctx, cfg, col); err != nil {
			return Summary{}, err
		}
	}
	if cfg.PublishServerList {
		if err := publishServerList(ctx, cfg, col); err != nil {
			return Summary{}, err
		}
	}
	if cfg.PublishProfile {
		if err := publishProfile(ctx, cfg, col); err != nil {
			return Summary{}, err
		}
	}

	url, err := gatewayURL(pubKey, cfg.GatewayHost)
	if err != nil {
		return Summary{}, err
	}

	return Summary{
		UploadedFiles:   uploadedCount,
		UnchangedFiles:  len(d.Unchanged),
		DeletedFiles:    deletedCount,
		ServerSuccesses: serverSuccesses,
		ServerAttempts:  serverAttempts,
		RelayAccepts:    relayAccepts,
		RelayAttempts:   relayAttempts,
		ErrorGroups:     col.Summary(false),
		GatewayURL:      url,
	}, nil
}

func recordsToEntries(records []model.Record) []model.FileEntry {
	entries := make([]model.FileEntry, 0, len(records))
	for i := range records {
		r := records[i]
		path, ok := r.DTag()
		if !ok {
			continue
		}
		hash, _ := r.XTag()
		entries = append(entries, model.FileEntry{Path: path, Hash: hash, Source: &records[i]})
	}
	return entries
}

// probeAmbiguity implements spec.md §4.7 step 2: when the remote fetch is
// inconclusive, HEAD-probe the first local file's hash on each server.
func probeAmbiguity(ctx context.Context, cfg Config, local []model.FileEntry, col *collector.Collector) (bool, error) {
	if len(local) == 0 {
		return false, nil
	}
	hash := local[0].Hash
	uploader := blobserver.New(cfg.Servers, cfg.Signer, cfg.AppName)
	for _, server := range cfg.Servers {
		present, _ := uploader.HeadProbe(ctx, server, hash)
		if present {
			col.Add(collector.EntryServer, server, string(corefail.DiffAmbiguous))
			return true, nil
		}
	}
	return false, nil
}

func purge(ctx context.Context, cfg Config, toDelete []model.FileEntry, uploader *blobserver.Uploader, col *collector.Collector) error {
	for _, entry := range toDelete {
		if entry.Source == nil {
			continue
		}
		tmpl := model.Template{
			Kind:      model.DeletionKind,
			CreatedAt: cfg.Now().Unix(),
			Tags: model.Tags{
				{"e", entry.Source.IDHex()},
				{"expiration", strconv.FormatInt(cfg.Now().Add(DeletionExpiration).Unix(), 10)},
			},
			Content: fmt.Sprintf("deleting %s", entry.Path),
		}
		deletion, err := cfg.Signer.Sign(ctx, tmpl)
		if err != nil {
			return corefail.Wrap(corefail.SignerUnreachable, err)
		}
		if _, ok := relay.PublishToRelays(ctx, cfg.Relays, deletion, col); !ok {
			col.Add(collector.EntryFile, entry.Path, "no relay accepted deletion record")
		}
		uploader.Delete(ctx, entry.Hash, col)
	}
	return nil
}

func publishRelayList(ctx context.Context, cfg Config, col *collector.Collector) error {
	tags := make(model.Tags, len(cfg.Relays))
	for i, r := range cfg.Relays {
		tags[i] = model.Tag{"r", r}
	}
	return signAndPublish(ctx, cfg, col, model.Template{Kind: model.RelayListKind, CreatedAt: cfg.Now().Unix(), Tags: tags})
}

func publishServerList(ctx context.Context, cfg Config, col *collector.Collector) error {
	tags := make(model.Tags, len(cfg.Servers))
	for i, s := range cfg.Servers {
		tags[i] = model.Tag{"server", s}
	}
	return signAndPublish(ctx, cfg, col, model.Template{Kind: model.ServerListKind, CreatedAt: cfg.Now().Unix(), Tags: tags})
}

func publishProfile(ctx context.Context, cfg Config, col *collector.Collector) error {
	content, err := json.Marshal(cfg.Profile)
	if err != nil {
		return fmt.Errorf("marshaling profile: %w", err)
	}
	return signAndPublish(ctx, cfg, col, model.Template{Kind: model.ProfileKind, CreatedAt: cfg.Now().Unix(), Content: string(content)})
}

func signAndPublish(ctx context.Context, cfg Config, col *collector.Collector, tmpl model.Template) error {
	rec, err := cfg.Signer.Sign(ctx, tmpl)
	if err != nil {
		return corefail.Wrap(corefail.SignerUnreachable, err)
	}
	relay.PublishToRelays(ctx, cfg.Relays, rec, col)
	return nil
}

func gatewayURL(pubKey [32]byte, host string) (string, error) {
	npub, err := bech32.EncodePublicKey(pubKey)
	if err != nil {
		return "", fmt.Errorf("encoding gateway URL: %w", err)
	}
	if host == "" {
		return npub, nil
	}
	return fmt.Sprintf("https://%s.%s/", npub, host), nil
}
