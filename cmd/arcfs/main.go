package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/absfs/arcfs"
	"github.com/absfs/arcfs/internal/config"
)

const usage = `usage: arcfs <command> [flags] args...

commands:
  compress -o ARCHIVE [flags] SOURCE...
  extract  [-o DIR] [flags] ARCHIVE
  list     [flags] ARCHIVE
  test     [flags] ARCHIVE
  rekey    [-o ARCHIVE] [flags] ARCHIVE
`

type patternList []string

func (p *patternList) String() string { return strings.Join(*p, ",") }

func (p *patternList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

// cliFlags holds every flag; each subcommand registers the subset it uses
type cliFlags struct {
	format          string
	output          string
	root            string
	password        string
	newPassword     string
	cipher          string
	level           int
	threads         int
	excludes        patternList
	includes        patternList
	noDefaults      bool
	redact          bool
	keepXattrs      bool
	stripTimestamps bool
	stripComponents int
	overwrite       bool
	followSymlinks  bool
	sameOwner       bool
	verbose         bool
	quiet           bool
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1], os.Args[2:])
	stop()
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Error().Err(err).Msg(os.Args[1] + " failed")
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string) error {
	cfgPath := os.Getenv("ARCFS_CONFIG")
	if cfgPath == "" {
		cfgPath = "arcfs.yml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fl := cliFlags{
		password:        os.Getenv("ARCFS_PASSWORD"),
		level:           cfg.Level,
		threads:         cfg.Threads,
		noDefaults:      !cfg.DefaultExcludes,
		keepXattrs:      cfg.KeepXattrs,
		stripTimestamps: cfg.StripTimestamps,
		overwrite:       cfg.Overwrite,
		followSymlinks:  cfg.FollowSymlinks,
	}

	set := flag.NewFlagSet("arcfs "+cmd, flag.ContinueOnError)
	set.StringVar(&fl.password, "p", fl.password, "password (default $ARCFS_PASSWORD)")
	set.IntVar(&fl.threads, "t", fl.threads, "worker threads, 0 for one per CPU")
	set.BoolVar(&fl.verbose, "verbose", false, "log every member")
	set.BoolVar(&fl.quiet, "quiet", false, "log warnings and errors only")

	switch cmd {
	case "compress":
		set.StringVar(&fl.format, "f", "", "archive format, inferred from -o when empty")
		set.StringVar(&fl.output, "o", "", "archive to create")
		set.StringVar(&fl.root, "C", "", "resolve sources relative to this directory")
		set.IntVar(&fl.level, "l", fl.level, "compression level, 0 for the codec default")
		set.StringVar(&fl.cipher, "cipher", cfg.Cipher, "envelope cipher: aes-256-gcm or chacha20-poly1305")
		set.Var(&fl.excludes, "x", "exclude pattern (repeatable)")
		set.Var(&fl.includes, "i", "include pattern (repeatable)")
		set.BoolVar(&fl.noDefaults, "E", fl.noDefaults, "disable the default excludes")
		set.BoolVar(&fl.redact, "redact", false, "drop secrets and strip identifying metadata")
		set.BoolVar(&fl.keepXattrs, "keep-xattrs", fl.keepXattrs, "store extended attributes")
		set.BoolVar(&fl.stripTimestamps, "strip-timestamps", fl.stripTimestamps, "store zero modification times")
		set.BoolVar(&fl.followSymlinks, "L", fl.followSymlinks, "follow symbolic links")
		set.BoolVar(&fl.overwrite, "overwrite", fl.overwrite, "replace an existing archive")
	case "extract":
		set.StringVar(&fl.output, "o", ".", "destination directory")
		set.IntVar(&fl.stripComponents, "strip-components", 0, "drop leading path segments")
		set.BoolVar(&fl.overwrite, "overwrite", fl.overwrite, "replace existing files")
		set.BoolVar(&fl.sameOwner, "same-owner", false, "restore recorded ownership")
		set.Var(&fl.excludes, "x", "skip members matching pattern (repeatable)")
		set.Var(&fl.includes, "i", "extract only members matching pattern (repeatable)")
	case "rekey":
		set.StringVar(&fl.newPassword, "new-password", os.Getenv("ARCFS_NEW_PASSWORD"), "new password, empty to remove encryption (default $ARCFS_NEW_PASSWORD)")
		set.StringVar(&fl.cipher, "cipher", cfg.Cipher, "cipher for the new envelope")
		set.StringVar(&fl.output, "o", "", "write the result here instead of replacing the archive")
		set.BoolVar(&fl.overwrite, "overwrite", fl.overwrite, "replace an existing -o archive")
	case "list", "test":
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}

	if err := set.Parse(args); err != nil {
		return err
	}
	switch {
	case fl.verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case fl.quiet:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	fsys, err := arcfs.NewOSFS()
	if err != nil {
		return err
	}
	a, err := arcfs.New(fsys, nil)
	if err != nil {
		return err
	}

	switch cmd {
	case "compress":
		return compress(ctx, a, cfg, fl, set.Args())
	case "extract":
		return extract(ctx, a, cfg, fl, set.Args())
	case "list":
		return list(ctx, a, fl, set.Args())
	case "rekey":
		return rekey(ctx, a, cfg, fl, set.Args())
	default:
		return test(ctx, a, fl, set.Args())
	}
}

func compress(ctx context.Context, a *arcfs.Archiver, cfg config.Config, fl cliFlags, sources []string) error {
	if fl.output == "" {
		return errors.New("compress requires -o")
	}
	if len(sources) == 0 {
		return errors.New("compress requires at least one source")
	}

	opts, err := cfg.ToCompressOptions()
	if err != nil {
		return err
	}
	if fl.format != "" {
		if opts.Format, err = arcfs.ParseFormat(fl.format); err != nil {
			return err
		}
	}
	if opts.Encryption.Cipher, err = arcfs.ParseCipherSuite(fl.cipher); err != nil {
		return err
	}
	opts.Root = fl.root
	opts.Password = fl.password
	opts.Level = fl.level
	opts.Parallel.Workers = fl.threads
	opts.Filter.Includes = append(opts.Filter.Includes, fl.includes...)
	opts.Filter.Excludes = append(opts.Filter.Excludes, fl.excludes...)
	opts.Filter.UseDefaults = !fl.noDefaults
	opts.Filter.Redact = fl.redact
	opts.Metadata.KeepXattrs = fl.keepXattrs
	opts.Metadata.StripTimestamps = fl.stripTimestamps
	opts.FollowSymlinks = fl.followSymlinks
	opts.Overwrite = fl.overwrite

	stats, err := a.Compress(ctx, sources, fl.output, opts)
	if err != nil {
		return err
	}
	for _, p := range stats.RedactedPaths {
		log.Warn().Str("path", p).Msg("redacted")
	}
	fmt.Printf("%d files, %d bytes in, %d bytes out\n", stats.Files, stats.BytesIn, stats.BytesOut)
	return nil
}

func extract(ctx context.Context, a *arcfs.Archiver, cfg config.Config, fl cliFlags, args []string) error {
	if len(args) != 1 {
		return errors.New("extract requires exactly one archive")
	}
	opts := cfg.ToExtractOptions()
	opts.Password = fl.password
	opts.StripComponents = fl.stripComponents
	opts.Overwrite = fl.overwrite
	opts.SameOwner = fl.sameOwner
	opts.Filter = arcfs.FilterRules{Includes: fl.includes, Excludes: fl.excludes}
	opts.Parallel.Workers = fl.threads

	stats, err := a.Extract(ctx, args[0], fl.output, opts)
	var merrs *arcfs.MemberErrors
	if errors.As(err, &merrs) {
		for _, me := range merrs.Errors {
			log.Error().Err(me.Err).Str("member", me.Path).Msg("extract failed")
		}
	}
	if err != nil {
		return err
	}
	fmt.Printf("%d files, %d bytes written\n", stats.Files, stats.BytesOut)
	return nil
}

func list(ctx context.Context, a *arcfs.Archiver, fl cliFlags, args []string) error {
	if len(args) != 1 {
		return errors.New("list requires exactly one archive")
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	for m, err := range a.List(ctx, args[0], arcfs.ListOptions{Password: fl.password}) {
		if err != nil {
			return err
		}
		size := "-"
		if m.Size >= 0 {
			size = fmt.Sprint(m.Size)
		}
		mtime := "-"
		if !m.ModTime.IsZero() {
			mtime = m.ModTime.UTC().Format(time.RFC3339)
		}
		name := m.Path
		if m.Kind == arcfs.MemberSymlink {
			name += " -> " + m.LinkTarget
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.Kind, m.Mode.Perm(), size, mtime, name)
	}
	return nil
}

func test(ctx context.Context, a *arcfs.Archiver, fl cliFlags, args []string) error {
	if len(args) != 1 {
		return errors.New("test requires exactly one archive")
	}
	opts := arcfs.TestOptions{
		Password: fl.password,
		Parallel: arcfs.ParallelConfig{Workers: fl.threads},
	}
	stats, err := a.Test(ctx, args[0], opts)
	var merrs *arcfs.MemberErrors
	if errors.As(err, &merrs) {
		for _, me := range merrs.Errors {
			log.Error().Err(me.Err).Str("member", me.Path).Msg("verification failed")
		}
	}
	if err != nil {
		return err
	}
	fmt.Printf("OK %d files, %d bytes, blake2b-256 %s\n", stats.FilesChecked, stats.BytesChecked, hex.EncodeToString(stats.Digest))
	return nil
}

func rekey(ctx context.Context, a *arcfs.Archiver, cfg config.Config, fl cliFlags, args []string) error {
	if len(args) != 1 {
		return errors.New("rekey requires exactly one archive")
	}
	opts, err := cfg.ToCompressOptions()
	if err != nil {
		return err
	}
	if opts.Encryption.Cipher, err = arcfs.ParseCipherSuite(fl.cipher); err != nil {
		return err
	}

	stats, err := a.Rekey(ctx, args[0], arcfs.RekeyOptions{
		OldPassword: fl.password,
		NewPassword: fl.newPassword,
		Encryption:  opts.Encryption,
		Dest:        fl.output,
		Overwrite:   fl.overwrite,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d payload bytes re-sealed, %d bytes written\n", stats.BytesIn, stats.BytesOut)
	return nil
}
