package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/meigma/netstore"
)

// completeCacheKeys suggests the keys stored in the cache directory. It reads
// the entry headers only and never opens entries.
func completeCacheKeys(cmd *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	dir := cacheDir
	if dir == "" {
		// Completion skips PersistentPreRunE, so read the config here.
		if err := setup(cmd, nil); err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		dir = cfg.Cache.Dir
	}

	info, err := netstore.CacheStats(dir)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var completions []string
	for _, e := range info.Entries {
		if strings.HasPrefix(e.Key, toComplete) {
			completions = append(completions, e.Key)
		}
	}

	// NoFileComp prevents falling back to local file completion
	return completions, cobra.ShellCompDirectiveNoFileComp
}
