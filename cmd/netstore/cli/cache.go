package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/meigma/netstore"
	"github.com/meigma/netstore/internal/progress"
)

// Cache command flags
var (
	cacheDir      string
	cacheLong     bool
	pruneMaxSize  string
	pruneMaxAge   string
	clearConfirm  bool
	catStream     string
	catSparse     bool
	catOffset     int64
	catForce      bool
	catProgress   bool
	putMetadata   string
	putSparseAt   int64
	putSideData   bool
	putCreateOnly bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the disk cache",
	Long: `Manage a netstore disk cache.

Each entry is stored as a small set of files named after the hash of its key,
holding a metadata stream, a body stream, a side-data stream and optional
sparse range data.

The cache directory can be specified with --dir. If not specified, the
configured cache.dir is used (default $XDG_CACHE_HOME/netstore).`,
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show cache statistics",
	Long: `Display information about the disk cache.

Shows the total size, entry count, and optionally detailed information
about each entry.

Examples:
  netstore cache info
  netstore cache info --long
  netstore cache info --dir /path/to/cache`,
	Args: cobra.NoArgs,
	RunE: runCacheInfo,
}

var cacheVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every entry and remove corrupt ones",
	Long: `Read every entry in full, checking file structure and stream checksums.

Entries that fail are deleted. Corrupt sparse blocks are dropped from
otherwise valid entries.`,
	Args: cobra.NoArgs,
	RunE: runCacheVerify,
}

var cacheCatCmd = &cobra.Command{
	Use:   "cat <key>",
	Short: "Output one stream of an entry",
	Long: `Write the data of one entry stream to stdout.

Streams are "metadata", "body" (default) and "side". With --sparse, the
contiguous sparse data starting at --offset is written instead.

Binary data is not written to a terminal unless --force is given.

Examples:
  netstore cache cat https://example.com/app.js
  netstore cache cat --stream metadata https://example.com/app.js
  netstore cache cat --sparse --offset 4096 https://example.com/video.mp4 > part.bin`,
	Args:              cobra.ExactArgs(1),
	RunE:              runCacheCat,
	ValidArgsFunction: completeCacheKeys,
}

var cachePutCmd = &cobra.Command{
	Use:   "put <key> [file]",
	Short: "Store data in an entry",
	Long: `Write a file (or stdin) into the body stream of an entry, creating the
entry if needed.

Examples:
  netstore cache put https://example.com/ index.html --metadata "HTTP/1.1 200 OK"
  cat chunk.bin | netstore cache put --sparse-offset 1048576 https://example.com/video.mp4`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCachePut,
}

var cacheDoomCmd = &cobra.Command{
	Use:   "doom <key>...",
	Short: "Delete entries by key",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCacheDoom,

	ValidArgsFunction: completeCacheKeys,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cache entries",
	Long: `Remove all entries from the disk cache.

This permanently deletes all entries. Use --yes to skip confirmation.

Examples:
  netstore cache clear
  netstore cache clear --yes`,
	Args: cobra.NoArgs,
	RunE: runCacheClear,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old or excess cache entries",
	Long: `Prune the disk cache based on age and/or size limits.

Entries are evicted based on their last modification time. Oldest entries
are removed first.

Size can be specified with units: B, KB, MB, GB, TB.
Age can be specified with units: s, m, h, d (e.g., 24h, 7d).

Examples:
  netstore cache prune --max-size 1GB
  netstore cache prune --max-age 24h
  netstore cache prune --max-size 500MB --max-age 7d`,
	Args: cobra.NoArgs,
	RunE: runCachePrune,
}

func init() {
	// Common cache directory flag
	cacheCmd.PersistentFlags().StringVar(&cacheDir, "dir", "", "Cache directory path")

	cacheInfoCmd.Flags().BoolVarP(&cacheLong, "long", "l", false, "Show detailed entry information")

	cacheCatCmd.Flags().StringVarP(&catStream, "stream", "s", "body", "Stream to print (metadata, body, side)")
	cacheCatCmd.Flags().BoolVar(&catSparse, "sparse", false, "Print sparse data instead of a stream")
	cacheCatCmd.Flags().Int64Var(&catOffset, "offset", 0, "Start offset")
	cacheCatCmd.Flags().BoolVarP(&catForce, "force", "f", false, "Write binary data to a terminal")
	cacheCatCmd.Flags().BoolVar(&catProgress, "progress", false, "Report progress on stderr when it is a terminal")

	cachePutCmd.Flags().StringVar(&putMetadata, "metadata", "", "Metadata stream contents")
	cachePutCmd.Flags().Int64Var(&putSparseAt, "sparse-offset", -1, "Write the data as sparse data at this offset")
	cachePutCmd.Flags().BoolVar(&putSideData, "side", false, "Write the data to the side-data stream instead of the body")
	cachePutCmd.Flags().BoolVar(&putCreateOnly, "create", false, "Fail if the entry already exists")

	cacheClearCmd.Flags().BoolVarP(&clearConfirm, "yes", "y", false, "Skip confirmation prompt")

	cachePruneCmd.Flags().StringVar(&pruneMaxSize, "max-size", "", "Maximum cache size (e.g., 1GB)")
	cachePruneCmd.Flags().StringVar(&pruneMaxAge, "max-age", "", "Maximum entry age (e.g., 24h, 7d)")

	cacheCmd.AddCommand(cacheInfoCmd)
	cacheCmd.AddCommand(cacheVerifyCmd)
	cacheCmd.AddCommand(cacheCatCmd)
	cacheCmd.AddCommand(cachePutCmd)
	cacheCmd.AddCommand(cacheDoomCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}

// resolvedCacheDir returns --dir or the configured cache directory.
func resolvedCacheDir() string {
	if cacheDir != "" {
		return cacheDir
	}
	return cfg.Cache.Dir
}

func openCache() (*netstore.Cache, error) {
	return netstore.OpenCache(resolvedCacheDir(),
		netstore.WithCacheLogger(logger),
		netstore.WithWorkers(cfg.Cache.Workers),
	)
}

func runCacheInfo(_ *cobra.Command, _ []string) error {
	info, err := netstore.CacheStats(resolvedCacheDir())
	if err != nil {
		return err
	}

	if info.EntryCount == 0 {
		fmt.Println("Cache is empty")
		return nil
	}

	fmt.Printf("Cache: %s\n", info.Path)
	fmt.Printf("Size:  %s (%d bytes)\n", humanize.Bytes(safeUint64(info.TotalSize)), info.TotalSize)
	fmt.Printf("Entries: %d\n", info.EntryCount)

	if cacheLong && len(info.Entries) > 0 {
		fmt.Println()
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tHASH\tSIZE\tSPARSE\tMODIFIED")
		for _, e := range info.Entries {
			sparse := "-"
			if e.SparseSize > 0 {
				sparse = humanize.Bytes(safeUint64(e.SparseSize))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				truncateKey(e.Key),
				e.Hash,
				humanize.Bytes(safeUint64(e.Size)),
				sparse,
				humanize.Time(e.LastModified))
		}
		tw.Flush()
	}

	return nil
}

func runCacheVerify(_ *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	result, err := netstore.CacheVerify(ctx, resolvedCacheDir())
	if err != nil {
		return err
	}

	fmt.Printf("Checked %d entries\n", result.Checked)
	if result.Removed > 0 {
		fmt.Printf("Removed %d corrupt entries\n", result.Removed)
	}
	if result.SparseChildrenDropped > 0 {
		fmt.Printf("Dropped %d corrupt sparse blocks\n", result.SparseChildrenDropped)
	}
	if result.Removed == 0 && result.SparseChildrenDropped == 0 {
		fmt.Println("No problems found")
	}
	return nil
}

func parseStream(name string) (netstore.StreamIndex, error) {
	switch strings.ToLower(name) {
	case "metadata", "0":
		return netstore.StreamMetadata, nil
	case "body", "1":
		return netstore.StreamBody, nil
	case "side", "2":
		return netstore.StreamSideData, nil
	default:
		return 0, fmt.Errorf("%w: unknown stream %q", netstore.ErrInvalidArgument, name)
	}
}

func runCacheCat(_ *cobra.Command, args []string) error {
	index, err := parseStream(catStream)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	e, err := c.OpenEntry(ctx, args[0])
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	var (
		src   io.Reader
		total int64 = -1
	)
	if catSparse {
		src = &sparseReader{ctx: ctx, entry: e, offset: catOffset}
	} else {
		total = e.GetDataSize(index) - catOffset
		src = &streamReader{ctx: ctx, entry: e, index: index, offset: catOffset}
	}
	if catProgress && term.IsTerminal(int(os.Stderr.Fd())) {
		src = progress.NewReader(src, total, printProgress)
		defer fmt.Fprintln(os.Stderr)
	}

	if catForce || !term.IsTerminal(int(os.Stdout.Fd())) {
		_, err = io.Copy(os.Stdout, src)
		return err
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if !utf8.Valid(data) {
		return errors.New("refusing to write binary data to a terminal (use --force)")
	}
	_, err = os.Stdout.Write(data)
	return err
}

func printProgress(done, total int64) {
	if total < 0 {
		fmt.Fprintf(os.Stderr, "\r%s", humanize.Bytes(safeUint64(done)))
		return
	}
	fmt.Fprintf(os.Stderr, "\r%s / %s", humanize.Bytes(safeUint64(done)), humanize.Bytes(safeUint64(total)))
}

func runCachePut(_ *cobra.Command, args []string) error {
	key := args[0]

	var in io.Reader = os.Stdin
	if len(args) == 2 {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	var e *netstore.Entry
	if putCreateOnly {
		e, err = c.CreateEntry(ctx, key)
	} else {
		e, _, err = c.OpenOrCreateEntry(ctx, key)
	}
	if err != nil {
		return err
	}

	if err := writeEntry(ctx, e, data); err != nil {
		e.Close(ctx)
		return err
	}
	if err := e.Close(ctx); err != nil {
		return err
	}

	fmt.Printf("Stored %s (%s)\n", key, humanize.Bytes(uint64(len(data))))
	return nil
}

func runCacheDoom(_ *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	var missing []string
	for _, key := range args {
		e, err := c.OpenEntry(ctx, key)
		if errors.Is(err, netstore.ErrNotFound) {
			missing = append(missing, key)
			continue
		}
		if err != nil {
			return err
		}
		doomErr := e.Doom(ctx)
		if err := e.Close(ctx); err != nil && doomErr == nil {
			doomErr = err
		}
		if doomErr != nil {
			return doomErr
		}
		fmt.Printf("Doomed %s\n", key)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", netstore.ErrNotFound, strings.Join(missing, ", "))
	}
	return nil
}

func runCacheClear(_ *cobra.Command, _ []string) error {
	dir := resolvedCacheDir()

	info, err := netstore.CacheStats(dir)
	if err != nil {
		return err
	}

	if info.EntryCount == 0 {
		fmt.Println("Cache is already empty")
		return nil
	}

	// Confirm unless --yes is specified
	if !clearConfirm {
		fmt.Printf("This will remove %d entries (%s) from the cache.\n",
			info.EntryCount, humanize.Bytes(safeUint64(info.TotalSize)))
		fmt.Print("Continue? [y/N] ")

		var response string
		//nolint:errcheck // Empty input or EOF is treated as "no" - not an error
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := netstore.CacheClear(ctx, dir); err != nil {
		return err
	}

	fmt.Printf("Cleared %d entries (%s)\n",
		info.EntryCount, humanize.Bytes(safeUint64(info.TotalSize)))
	return nil
}

func runCachePrune(_ *cobra.Command, _ []string) error {
	opts := netstore.CachePruneOptions{}

	if pruneMaxSize != "" {
		size, err := humanize.ParseBytes(pruneMaxSize)
		if err != nil {
			return fmt.Errorf("invalid --max-size: %w", err)
		}
		opts.MaxSize = safeInt64(size)
	}

	if pruneMaxAge != "" {
		age, err := parseDuration(pruneMaxAge)
		if err != nil {
			return fmt.Errorf("invalid --max-age: %w", err)
		}
		opts.MaxAge = age
	}

	// Require at least one option
	if opts.MaxSize == 0 && opts.MaxAge == 0 {
		return errors.New("at least one of --max-size or --max-age is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := netstore.CachePrune(ctx, resolvedCacheDir(), opts)
	if err != nil {
		return err
	}

	if result.EntriesRemoved == 0 {
		fmt.Println("No entries to prune")
	} else {
		fmt.Printf("Removed %d entries (%s)\n",
			result.EntriesRemoved, humanize.Bytes(safeUint64(result.BytesRemoved)))
	}

	if result.EntriesRemaining > 0 {
		fmt.Printf("Remaining: %d entries (%s)\n",
			result.EntriesRemaining, humanize.Bytes(safeUint64(result.BytesRemaining)))
	}

	return nil
}
