// Command nsite-publish walks a local directory, diffs it against a
// publisher's announced file set on a set of relays, and uploads and
// announces the difference. Flag parsing here is deliberately minimal;
// a richer CLI (config files, interactive prompts) is a separate
// concern from the publishing core in internal/publisher.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nsite-tools/nsite-publish/internal/blobserver"
	"github.com/nsite-tools/nsite-publish/internal/collector"
	"github.com/nsite-tools/nsite-publish/internal/corefail"
	"github.com/nsite-tools/nsite-publish/internal/ignorefile"
	"github.com/nsite-tools/nsite-publish/internal/publisher"
	"github.com/nsite-tools/nsite-publish/internal/remotesigner"
	"github.com/nsite-tools/nsite-publish/internal/signer"
)

const usage = `Usage: nsite-publish [flags] <directory>

Flags:
  -servers    comma-separated blob server base URLs (required)
  -relays     comma-separated relay websocket URLs (required)
  -privkey    hex secp256k1 secret key (mutually exclusive with -bunker)
  -bunker     bunker:// remote-signer connection string
  -ignore     path to an ignore-pattern file
  -force      proceed even when the remote state is ambiguous
  -purge      delete blobs no longer present locally
  -relay-list publish a relay-list metadata record (kind 10002)
  -gateway    gateway hostname used to build the printed URL
  -app        client name recorded on announcement records`

func main() {
	ctx := context.Background()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "nsite-publish: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("nsite-publish", flag.ContinueOnError)
	servers := fs.String("servers", "", "comma-separated blob server base URLs")
	relays := fs.String("relays", "", "comma-separated relay websocket URLs")
	privKeyHex := fs.String("privkey", "", "hex secp256k1 secret key")
	bunkerURI := fs.String("bunker", "", "bunker:// remote-signer connection string")
	ignorePath := fs.String("ignore", "", "path to an ignore-pattern file")
	force := fs.Bool("force", false, "proceed even when the remote state is ambiguous")
	purge := fs.Bool("purge", false, "delete blobs no longer present locally")
	relayList := fs.Bool("relay-list", false, "publish a relay-list metadata record")
	gateway := fs.String("gateway", "", "gateway hostname used to build the printed URL")
	appName := fs.String("app", "nsite-publish", "client name recorded on announcement records")
	fs.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("exactly one directory argument is required")
	}
	root := fs.Arg(0)

	serverList := splitCSV(*servers)
	relayURLs := splitCSV(*relays)
	if len(serverList) == 0 || len(relayURLs) == 0 {
		return fmt.Errorf("-servers and -relays are required")
	}

	s, err := buildSigner(ctx, *privKeyHex, *bunkerURI, relayURLs)
	if err != nil {
		return err
	}

	var ignore *ignorefile.Spec
	if *ignorePath != "" {
		f, err := os.Open(*ignorePath)
		if err != nil {
			return fmt.Errorf("opening ignore file: %w", err)
		}
		defer f.Close()
		ignore, err = ignorefile.Parse(f)
		if err != nil {
			return fmt.Errorf("parsing ignore file: %w", err)
		}
	}

	cfg := publisher.Config{
		Root:             root,
		Ignore:           ignore,
		Signer:           s,
		Servers:          serverList,
		Relays:           relayURLs,
		AppName:          *appName,
		Parallelism:      blobserver.DefaultParallelism,
		Force:            *force,
		Purge:            *purge,
		PublishRelayList: *relayList,
		GatewayHost:      *gateway,
		Now:              time.Now,
	}

	summary, err := publisher.Run(ctx, cfg)
	if err != nil {
		return err
	}
	printSummary(summary)
	return nil
}

func buildSigner(ctx context.Context, privKeyHex, bunkerURI string, relays []string) (signer.Signer, error) {
	switch {
	case privKeyHex != "" && bunkerURI != "":
		return nil, fmt.Errorf("-privkey and -bunker are mutually exclusive")
	case privKeyHex != "":
		return signer.NewFromHex(privKeyHex)
	case bunkerURI != "":
		b, err := remotesigner.ParseBunker(bunkerURI)
		if err != nil {
			return nil, fmt.Errorf("parsing bunker connection string: %w", err)
		}
		bunkerRelays := b.Relays
		if len(bunkerRelays) == 0 {
			bunkerRelays = relays
		}
		return remotesigner.Connect(ctx, b.PubKey, bunkerRelays, b.Secret, collector.New())
	default:
		return nil, corefail.Wrap(corefail.AuthMissing, fmt.Errorf("one of -privkey or -bunker is required"))
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printSummary(s publisher.Summary) {
	if s.NoOp {
		fmt.Printf("nothing to do, already up to date\n%s\n", s.GatewayURL)
		return
	}
	fmt.Printf("uploaded %d file(s), %d unchanged, %d deleted\n", s.UploadedFiles, s.UnchangedFiles, s.DeletedFiles)
	for server, attempts := range s.ServerAttempts {
		fmt.Printf("  %s: %d/%d succeeded\n", server, s.ServerSuccesses[server], attempts)
	}
	for relay, attempts := range s.RelayAttempts {
		fmt.Printf("  %s: %d/%d accepted\n", relay, s.RelayAccepts[relay], attempts)
	}
	for _, g := range s.ErrorGroups {
		affected := strings.Join(g.AffectedKeys, ", ")
		if g.TruncatedCount > 0 {
			affected += " and " + strconv.Itoa(g.TruncatedCount) + " more"
		}
		fmt.Printf("  [%s] %s (x%d): %s\n", g.Category, g.Message, g.Count, affected)
	}
	fmt.Println(s.GatewayURL)
}
