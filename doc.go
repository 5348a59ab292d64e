// Package netstore provides the two persistent stores an HTTP client keeps on
// disk: a simple disk cache and a cookie jar.
//
// # Disk Cache
//
// A Cache stores entries under string keys. Each entry has three data streams
// and an optional sparse stream for byte-range data:
//
//	cache, err := netstore.OpenCache("~/.cache/netstore")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cache.Close(ctx)
//
//	entry, err := cache.CreateEntry(ctx, "https://example.com/app.js")
//	_, err = entry.WriteData(ctx, netstore.StreamBody, 0, body, true)
//	err = entry.Close(ctx)
//
// Every operation also has an Async form that returns a Completion.
// Operations on one entry run in submission order.
//
// Stream data is checksummed on disk. A read that fails verification dooms the
// entry and returns ErrChecksumMismatch.
//
// # Cookie Jar
//
// A CookieJar holds canonical cookies in memory and mirrors them to an optional
// persistent store:
//
//	jar, err := netstore.NewCookieJar(netstore.WithCookieFile("cookies.zst"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer jar.Close()
//
//	ok, err := jar.SetCanonicalCookie(ctx, cookie, sourceURL, netstore.CookieOptions{})
//	cookies, err := jar.GetCookieListWithOptions(ctx, requestURL, netstore.CookieOptions{})
//
// The jar evicts cookies per registrable domain and globally, by priority and
// least recent access.
//
// # Maintenance
//
// CacheStats, CacheVerify, CachePrune and CacheClear operate on a cache
// directory without keeping it open.
package netstore
