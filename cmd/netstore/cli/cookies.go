package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/tailscale/hujson"

	"github.com/meigma/netstore"
	"github.com/meigma/netstore/core"
)

// Cookie command flags
var (
	cookieFile      string
	cookieRedisAddr string
	listJSON        bool
	importReplace   bool
	deleteDomain    string
	deleteSession   bool
	deleteAll       bool
	gcSession       bool
)

var cookiesCmd = &cobra.Command{
	Use:   "cookies",
	Short: "Manage the cookie jar",
	Long: `Inspect and maintain a persisted cookie jar.

The jar is read from a zstd-compressed file (--file, default cookies.file)
or from Redis when --redis-addr or cookies.redis.addr is set.`,
}

var cookiesListCmd = &cobra.Command{
	Use:   "list [url]",
	Short: "List cookies",
	Long: `List every cookie in the jar, or the cookies a same-site request to url
would carry, in the order they would be sent.

Examples:
  netstore cookies list
  netstore cookies list https://www.example.com/account
  netstore cookies list --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCookiesList,
}

var cookiesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import cookies from a JSON file",
	Long: `Import cookies from a JSON (or JSONC, with comments and trailing commas)
array. Each object has name, value, domain and path, and optionally expires
(RFC 3339), secure, http_only, same_site (none, lax, strict) and priority
(low, medium, high).

A domain starting with a dot makes a domain cookie; otherwise the cookie is
host-only. Cookies the jar rejects are reported and skipped.

Examples:
  netstore cookies import cookies.jsonc
  netstore cookies import --replace snapshot.json`,
	Args: cobra.ExactArgs(1),
	RunE: runCookiesImport,
}

var cookiesDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete cookies",
	Long: `Delete the cookies of one domain, every session cookie, or all cookies.

Examples:
  netstore cookies delete --domain example.com
  netstore cookies delete --session
  netstore cookies delete --all`,
	Args: cobra.NoArgs,
	RunE: runCookiesDelete,
}

var cookiesGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Enforce expiry and size limits on the stored jar",
	Long: `Load the jar, drop expired cookies and re-apply the per-domain and
global limits, evicting the least recently used cookies of the lowest
priority first.`,
	Args: cobra.NoArgs,
	RunE: runCookiesGC,
}

func init() {
	cookiesCmd.PersistentFlags().StringVar(&cookieFile, "file", "", "Cookie jar file")
	cookiesCmd.PersistentFlags().StringVar(&cookieRedisAddr, "redis-addr", "", "Redis address (host:port)")

	cookiesListCmd.Flags().BoolVar(&listJSON, "json", false, "Print cookies as JSON")

	cookiesImportCmd.Flags().BoolVar(&importReplace, "replace", false, "Replace the jar contents instead of merging")

	cookiesDeleteCmd.Flags().StringVar(&deleteDomain, "domain", "", "Delete cookies of this registrable domain")
	cookiesDeleteCmd.Flags().BoolVar(&deleteSession, "session", false, "Delete session cookies")
	cookiesDeleteCmd.Flags().BoolVar(&deleteAll, "all", false, "Delete every cookie")

	cookiesGCCmd.Flags().BoolVar(&gcSession, "session", false, "Also drop session cookies")

	cookiesCmd.AddCommand(cookiesListCmd)
	cookiesCmd.AddCommand(cookiesImportCmd)
	cookiesCmd.AddCommand(cookiesDeleteCmd)
	cookiesCmd.AddCommand(cookiesGCCmd)
	rootCmd.AddCommand(cookiesCmd)
}

// openJar opens the configured jar. The returned close function commits and
// releases the store.
func openJar(extra ...netstore.CookieJarOption) (*netstore.CookieJar, func() error, error) {
	opts := []netstore.CookieJarOption{
		netstore.WithJarLogger(logger),
		netstore.WithAccessThreshold(cfg.Cookies.AccessThreshold),
		// A maintenance run keeps whatever session cookies the store holds.
		netstore.WithPersistSessionCookies(true),
		netstore.WithRestoreSessionCookies(true),
	}

	addr := cookieRedisAddr
	if addr == "" {
		addr = cfg.Cookies.Redis.Addr
	}

	var client *redis.Client
	if addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Cookies.Redis.Password,
			DB:       cfg.Cookies.Redis.DB,
		})
		opts = append(opts, netstore.WithRedisCookieStore(client, cfg.Cookies.Redis.Prefix))
	} else {
		path := cookieFile
		if path == "" {
			path = cfg.Cookies.File
		}
		opts = append(opts, netstore.WithCookieFile(path))
	}

	jar, err := netstore.NewCookieJar(append(opts, extra...)...)
	if err != nil {
		if client != nil {
			client.Close()
		}
		return nil, nil, err
	}
	jar.SetForceKeepSessionState()

	closeFn := func() error {
		err := jar.Close()
		if client != nil {
			if cerr := client.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return err
	}
	return jar, closeFn, nil
}

func runCookiesList(_ *cobra.Command, args []string) (err error) {
	ctx, cancel := signalContext()
	defer cancel()

	jar, closeJar, err := openJar()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeJar(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var cookies []netstore.CanonicalCookie
	if len(args) == 1 {
		u, perr := url.Parse(args[0])
		if perr != nil || u.Host == "" {
			return fmt.Errorf("%w: invalid url %q", netstore.ErrInvalidArgument, args[0])
		}
		cookies, err = jar.GetCookieListWithOptions(ctx, u, netstore.CookieOptions{
			IncludeHTTPOnly:      true,
			SameSiteContext:      netstore.ContextSameSiteStrict,
			SkipAccessTimeUpdate: true,
		})
	} else {
		cookies, err = jar.GetAllCookies(ctx)
	}
	if err != nil {
		return err
	}

	if listJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if cookies == nil {
			cookies = []netstore.CanonicalCookie{}
		}
		return enc.Encode(cookies)
	}

	if len(cookies) == 0 {
		fmt.Println("No cookies")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDOMAIN\tPATH\tEXPIRES\tPRIORITY\tFLAGS")
	for _, c := range cookies {
		expires := "session"
		if c.IsPersistent() {
			expires = humanize.Time(c.Expiry)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Name, c.Domain, c.Path, expires, c.Priority, cookieFlags(c))
	}
	tw.Flush()
	fmt.Printf("%d cookies\n", len(cookies))
	return nil
}

func cookieFlags(c netstore.CanonicalCookie) string {
	var flags []string
	if c.Secure {
		flags = append(flags, "secure")
	}
	if c.HTTPOnly {
		flags = append(flags, "httponly")
	}
	if c.SameSite != core.SameSiteUnspecified {
		flags = append(flags, "samesite="+c.SameSite.String())
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

// importedCookie is the import file format.
type importedCookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain"`
	Path     string     `json:"path"`
	Expires  *time.Time `json:"expires,omitempty"`
	Secure   bool       `json:"secure"`
	HTTPOnly bool       `json:"http_only"`
	SameSite string     `json:"same_site"`
	Priority string     `json:"priority"`
}

func (ic importedCookie) canonical() (*netstore.CanonicalCookie, error) {
	priority, err := core.ParsePriority(ic.Priority)
	if err != nil {
		return nil, err
	}
	sameSite, err := core.ParseSameSite(ic.SameSite)
	if err != nil {
		return nil, err
	}
	path := ic.Path
	if path == "" {
		path = "/"
	}
	c := &netstore.CanonicalCookie{
		Name:     ic.Name,
		Value:    ic.Value,
		Domain:   strings.ToLower(ic.Domain),
		Path:     path,
		Secure:   ic.Secure,
		HTTPOnly: ic.HTTPOnly,
		SameSite: sameSite,
		Priority: priority,
	}
	if ic.Expires != nil {
		c.Expiry = *ic.Expires
	}
	return c, nil
}

// sourceURL is the URL the cookie is treated as having been set by.
func sourceURL(c *netstore.CanonicalCookie) *url.URL {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: c.DomainWithoutDot(), Path: c.Path}
}

func parseImportFile(path string) ([]importedCookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSONC: %w", netstore.ErrInvalidArgument, err)
	}
	var records []importedCookie
	if err := json.Unmarshal(standardized, &records); err != nil {
		return nil, fmt.Errorf("%w: invalid cookie file: %w", netstore.ErrInvalidArgument, err)
	}
	return records, nil
}

func runCookiesImport(_ *cobra.Command, args []string) (err error) {
	records, err := parseImportFile(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	jar, closeJar, err := openJar()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeJar(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var (
		imported []netstore.CanonicalCookie
		rejected []string
	)
	for _, rec := range records {
		c, cerr := rec.canonical()
		if cerr != nil {
			rejected = append(rejected, fmt.Sprintf("%s (%v)", rec.Name, cerr))
			continue
		}
		if importReplace {
			imported = append(imported, *c)
			continue
		}
		ok, serr := jar.SetCanonicalCookie(ctx, c, sourceURL(c), netstore.CookieOptions{IncludeHTTPOnly: true})
		if serr != nil {
			return serr
		}
		if !ok {
			rejected = append(rejected, rec.Name)
			continue
		}
		imported = append(imported, *c)
	}

	if importReplace {
		if err := jar.SetAllCookies(ctx, imported); err != nil {
			return err
		}
	}
	if err := jar.Flush(ctx); err != nil {
		return err
	}

	fmt.Printf("Imported %d cookies\n", len(imported))
	for _, name := range rejected {
		fmt.Printf("Rejected %s\n", name)
	}
	return nil
}

func runCookiesDelete(_ *cobra.Command, _ []string) (err error) {
	selected := 0
	for _, set := range []bool{deleteDomain != "", deleteSession, deleteAll} {
		if set {
			selected++
		}
	}
	if selected != 1 {
		return errors.New("exactly one of --domain, --session or --all is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	jar, closeJar, err := openJar()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeJar(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var n int
	switch {
	case deleteSession:
		n, err = jar.DeleteSessionCookies(ctx)
	case deleteAll:
		n, err = jar.DeleteAllCreatedInTimeRange(ctx, time.Time{}, time.Time{})
	default:
		domain := strings.TrimPrefix(strings.ToLower(deleteDomain), ".")
		n, err = jar.DeleteMatchingCookies(ctx, func(c *netstore.CanonicalCookie) bool {
			d := c.DomainWithoutDot()
			return d == domain || strings.HasSuffix(d, "."+domain)
		})
	}
	if err != nil {
		return err
	}

	fmt.Printf("Deleted %d cookies\n", n)
	return nil
}

func runCookiesGC(_ *cobra.Command, _ []string) (err error) {
	ctx, cancel := signalContext()
	defer cancel()

	jar, closeJar, err := openJar()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeJar(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	before, err := countStored(ctx, jar)
	if err != nil {
		return err
	}

	all, err := jar.GetAllCookies(ctx)
	if err != nil {
		return err
	}
	if gcSession {
		kept := all[:0]
		for _, c := range all {
			if c.IsPersistent() {
				kept = append(kept, c)
			}
		}
		all = kept
	}
	if err := jar.SetAllCookies(ctx, all); err != nil {
		return err
	}

	after, err := jar.GetAllCookies(ctx)
	if err != nil {
		return err
	}
	if err := jar.Flush(ctx); err != nil {
		return err
	}

	fmt.Printf("Removed %d cookies, %d remaining\n", before-len(after), len(after))
	return nil
}

// countStored counts the cookies in the jar including expired ones.
func countStored(ctx context.Context, jar *netstore.CookieJar) (int, error) {
	n := 0
	_, err := jar.DeleteMatchingCookies(ctx, func(*netstore.CanonicalCookie) bool {
		n++
		return false
	})
	return n, err
}
