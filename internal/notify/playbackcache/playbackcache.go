// Package playbackcache converts and probes recorded playback files on
// behalf of notifiers, grounded on
// original_source/src/source/abstruct/file.rs's PlaybackRef: a
// recording is stored in one container format, but a notifier may need
// it in another (flv -> mp4) before it can upload the file (spec.md
// §4.5 "Playback" step 2).
//
// Conversion goes through an external ffmpeg/ffprobe subprocess, the
// same mechanism the original uses (its ffmpeg_copy/ffprobe_resolution
// helpers shell out to the real binaries); no Go package in the
// dependency surface wraps either tool, so there is nothing to prefer
// over invoking them directly.
package playbackcache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/SpriteOvO/closely-go/internal/status"
)

// Loaded is the result of a successful Acquire: the local file to
// upload (the original recording, or a converted copy) plus its
// probed video resolution.
type Loaded struct {
	Path          string
	Width, Height int
}

type cacheKey struct {
	filePath string
	target   status.PlaybackFormat
}

// entry memoizes one (file, target format) conversion so that
// notifiers uploading the same recording in the same format while any
// of them still holds it share one ffmpeg/ffprobe run (spec.md §5
// "Shared resources": "Playback loaded-cache ... behind an async
// mutex; serializes concurrent loads of the same format").
type entry struct {
	mu       sync.Mutex
	done     bool
	loaded   *Loaded
	tempPath string // non-empty when loaded.Path is a converted temp file owned by this entry
	err      error
	refs     int
}

// Cache is safe for concurrent use by multiple notifiers.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]*entry
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[cacheKey]*entry)}
}

// Acquire loads filePath (stored in srcFormat) for upload in target
// format, converting via ffmpeg when the two differ and probing the
// resulting file's resolution via ffprobe either way. Concurrent
// Acquire calls for the same (filePath, target) block on the first
// caller's conversion rather than repeating it.
//
// The returned release func must be called exactly once when the
// caller is done with Loaded.Path; the temp file created by a
// conversion, if any, is deleted once every acquirer has released it
// (spec.md §4.5: "a temporary file that is deleted on scope exit").
func (c *Cache) Acquire(ctx context.Context, filePath string, srcFormat, target status.PlaybackFormat) (*Loaded, func(), error) {
	key := cacheKey{filePath: filePath, target: target}

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	if !e.done {
		e.loaded, e.tempPath, e.err = load(ctx, filePath, srcFormat, target)
		e.done = true
	}
	if e.err == nil {
		e.refs++
	}
	loaded, err := e.loaded, e.err
	e.mu.Unlock()

	if err != nil {
		c.evictIfUnused(key, e)
		return nil, func() {}, err
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true

		e.mu.Lock()
		e.refs--
		tempPath := e.tempPath
		unused := e.refs <= 0
		e.mu.Unlock()

		if unused {
			c.evictIfUnused(key, e)
			if tempPath != "" {
				os.Remove(tempPath)
			}
		}
	}
	return loaded, release, nil
}

func (c *Cache) evictIfUnused(key cacheKey, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] == e {
		delete(c.entries, key)
	}
}

// transcodeFn and probeFn are package-level seams so tests can stub out
// the real ffmpeg/ffprobe subprocess calls.
var (
	transcodeFn = transcode
	probeFn     = probeResolution
)

func load(ctx context.Context, filePath string, srcFormat, target status.PlaybackFormat) (*Loaded, string, error) {
	path := filePath
	tempPath := ""

	if srcFormat != target {
		converted, err := transcodeFn(ctx, filePath, target)
		if err != nil {
			return nil, "", fmt.Errorf("playbackcache: transcode: %w", err)
		}
		path, tempPath = converted, converted
	}

	width, height, err := probeFn(ctx, path)
	if err != nil {
		if tempPath != "" {
			os.Remove(tempPath)
		}
		return nil, "", fmt.Errorf("playbackcache: probe resolution: %w", err)
	}

	return &Loaded{Path: path, Width: width, Height: height}, tempPath, nil
}

func formatExt(f status.PlaybackFormat) string {
	switch f {
	case status.PlaybackMP4:
		return "mp4"
	default:
		return "flv"
	}
}

// transcode converts src into a freshly created temp file in target's
// container format via ffmpeg, stream-copying rather than
// re-encoding, and returns the temp file's path for the caller to
// clean up once it's no longer needed.
func transcode(ctx context.Context, src string, target status.PlaybackFormat) (string, error) {
	tmp, err := os.CreateTemp("", "closely-playback-*."+formatExt(target))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	dst := tmp.Name()
	tmp.Close()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-i", src, "-c", "copy", dst)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("ffmpeg %s -> %s: %w: %s", src, dst, err, strings.TrimSpace(stderr.String()))
	}
	return dst, nil
}

// probeResolution shells out to ffprobe for the first video stream's
// width and height.
func probeResolution(ctx context.Context, path string) (width, height int, err error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	dims := strings.TrimSpace(string(out))
	w, h, ok := strings.Cut(dims, "x")
	if !ok {
		return 0, 0, fmt.Errorf("ffprobe %s: unexpected output %q", path, dims)
	}
	width, err = strconv.Atoi(w)
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe %s: parse width: %w", path, err)
	}
	height, err = strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe %s: parse height: %w", path, err)
	}
	return width, height, nil
}
