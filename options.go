package dwarfs

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Option configures a MountOptions value. Named after the mount
// driver's `-o key=value` surface (§6 "CLI surface"): each Option here
// corresponds to one of cachesize, workers, mlock, decratio, offset,
// enable_nlink, readonly, cache_image, cache_files, tidy_strategy,
// tidy_interval, tidy_max_age, debuglevel.
type Option func(*MountOptions)

// NewMountOptions builds a MountOptions from defaults plus the given
// Options, for callers that prefer the functional-option style over
// filling the struct directly.
func NewMountOptions(opts ...Option) MountOptions {
	o := defaultMountOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// CacheSize sets the block cache's byte budget (`-o cachesize`).
func CacheSize(bytes int64) Option {
	return func(o *MountOptions) { o.CacheSizeBytes = bytes }
}

// Workers sets the block cache's decompression worker pool size
// (`-o workers`).
func Workers(n int) Option {
	return func(o *MountOptions) { o.Workers = n }
}

// Mlock requests the METADATA_V2 section's pages be locked resident
// (`-o mlock`); failures are advisory and only logged (§6 "Advisory").
func Mlock(on bool) Option {
	return func(o *MountOptions) { o.MlockMetadata = on }
}

// DecompressRatio tunes the cached-block frame-size heuristic used to
// decide how much of a block to decompress per step (`-o decratio`).
func DecompressRatio(ratio float64) Option {
	return func(o *MountOptions) { o.DecompressRatio = ratio }
}

// ImageOffsetOption sets a fixed image offset, or AutoOffset to probe
// for one (`-o offset`).
func ImageOffsetOption(offset int64) Option {
	return func(o *MountOptions) { o.ImageOffset = offset }
}

// EnableNlinkOption turns on shared-files-table-derived nlink counts
// (`-o enable_nlink`); off by default per the spec's documented
// behavior (hardlink groups otherwise report nlink=1).
func EnableNlinkOption(on bool) Option {
	return func(o *MountOptions) { o.EnableNlink = on }
}

// ReadOnlyOption marks the mount read-only (`-o readonly`); this port
// exposes no write path regardless, so the flag is informational.
func ReadOnlyOption(on bool) Option {
	return func(o *MountOptions) { o.ReadOnly = on }
}

// CacheImageOption keeps a BLOCK section's compressed bytes mapped
// once its block has been fully decompressed, instead of releasing
// those pages (`-o cache_image`).
func CacheImageOption(on bool) Option {
	return func(o *MountOptions) { o.CacheImage = on }
}

// CacheFilesOption memoizes every inode's resolved size regardless of
// chunk count, rather than only inodes with more than 8 chunks
// (`-o cache_files`).
func CacheFilesOption(on bool) Option {
	return func(o *MountOptions) { o.CacheFiles = on }
}

// TidyStrategyOption selects the cache's idle-block reclaim policy
// (`-o tidy_strategy`).
func TidyStrategyOption(s TidyStrategy) Option {
	return func(o *MountOptions) { o.Tidy.Strategy = s }
}

// TidyIntervalOption sets how often the tidy strategy runs
// (`-o tidy_interval`).
func TidyIntervalOption(d time.Duration) Option {
	return func(o *MountOptions) { o.Tidy.Interval = d }
}

// TidyMaxAgeOption sets the EXPIRY_TIME strategy's idle threshold
// (`-o tidy_max_age`).
func TidyMaxAgeOption(d time.Duration) Option {
	return func(o *MountOptions) { o.Tidy.MaxAge = d }
}

// DebugLevelOption sets the logger's verbosity (`-o debuglevel`).
func DebugLevelOption(level logrus.Level) Option {
	return func(o *MountOptions) { o.DebugLevel = level }
}

// ReadaheadOption sets the chunked inode reader's speculative
// prefetch window in bytes.
func ReadaheadOption(bytes int64) Option {
	return func(o *MountOptions) { o.Readahead = bytes }
}
