// vidnet/extract/adapter.go
package extract

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"vidnet/config"
	"vidnet/platform"
)

// Quality is one downloadable rendition of a video.
type Quality struct {
	Quality  string `json:"quality"`
	Format   string `json:"format"`
	Filesize int64  `json:"filesize,omitempty"`
	FPS      int    `json:"fps,omitempty"`
}

// Metadata is the platform-independent description of a video.
type Metadata struct {
	Title              string    `json:"title"`
	Thumbnail          string    `json:"thumbnail"`
	Duration           int       `json:"duration"`
	Platform           string    `json:"platform"`
	AvailableQualities []Quality `json:"available_qualities"`
	AudioAvailable     bool      `json:"audio_available"`
	OriginalURL        string    `json:"original_url"`
}

// Adapter wraps the yt-dlp and ffmpeg binaries. It is stateless; every call
// spawns a fresh process bounded by the caller's context.
type Adapter struct {
	cfg       *config.Config
	extraArgs []string
}

func NewAdapter(cfg *config.Config) (*Adapter, error) {
	if _, err := exec.LookPath(cfg.YtdlpBin); err != nil {
		return nil, fmt.Errorf("yt-dlp binary not found or not in PATH: %s", cfg.YtdlpBin)
	}
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}

	var extra []string
	if cfg.YtdlpExtraRaw != "" {
		args, err := shlex.Split(cfg.YtdlpExtraRaw)
		if err != nil {
			return nil, fmt.Errorf("invalid YTDLP_EXTRA_ARGS: %w", err)
		}
		for _, arg := range args {
			if strings.ContainsAny(arg, "|&;`$()<>") {
				return nil, fmt.Errorf("disallowed character in extra argument: %s", arg)
			}
		}
		extra = args
	}

	return &Adapter{cfg: cfg, extraArgs: extra}, nil
}

// Metadata extracts video information without downloading anything.
func (a *Adapter) Metadata(ctx context.Context, rawURL string) (*Metadata, error) {
	info, err := platform.Detect(rawURL)
	if err != nil {
		return nil, newError(KindUnsupportedPlatform, err.Error(),
			"Try a URL from YouTube, TikTok, Instagram, Facebook, Twitter, Reddit, or Vimeo", err)
	}

	args := append([]string{}, a.extraArgs...)
	args = append(args, "-J", "--no-warnings", "--skip-download", "--no-playlist", info.NormalizedURL)

	cmd := exec.CommandContext(ctx, a.cfg.YtdlpBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// A killed process reports "signal: killed", not the context error.
		if ctx.Err() != nil {
			return nil, Classify("", ctx.Err())
		}
		return nil, Classify(stderr.String(), err)
	}

	var raw ytdlpInfo
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, newError(KindExtractionFailed, "Invalid response from the extractor",
			"Please try again", err)
	}

	return buildMetadata(&raw, info), nil
}

// DownloadOpts controls a video download.
type DownloadOpts struct {
	Quality    string
	OnProgress func(percent float64)
}

var qualityHeight = map[string]int{
	"2160p": 2160,
	"1440p": 1440,
	"1080p": 1080,
	"720p":  720,
	"480p":  480,
	"360p":  360,
}

// Download fetches the video into dir under baseName and returns the final
// file path. yt-dlp picks the container, so the extension is discovered
// after the run.
func (a *Adapter) Download(ctx context.Context, rawURL, dir, baseName string, opts DownloadOpts) (string, error) {
	if err := a.checkResources(dir); err != nil {
		return "", err
	}

	template := filepath.Join(dir, baseName+".%(ext)s")

	args := append([]string{}, a.extraArgs...)
	args = append(args,
		"--no-playlist",
		"--no-warnings",
		"--newline",
		"--progress-template", "%(progress._percent_str)s",
		"--ffmpeg-location", a.cfg.FFBin,
		"-o", template,
	)

	height := qualityHeight[opts.Quality]
	if height > 0 {
		args = append(args, "-f",
			fmt.Sprintf("bv[vcodec^=avc][height<=%d]+ba[acodec^=mp4a]/bv[height<=%d]+ba/b", height, height))
	} else {
		args = append(args, "-f", "bv[vcodec^=avc]+ba[acodec^=mp4a]/bv+ba/b")
	}
	args = append(args, "--merge-output-format", "mp4", rawURL)

	cmd := exec.CommandContext(ctx, a.cfg.YtdlpBin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("could not open yt-dlp stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start yt-dlp: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if opts.OnProgress == nil {
			continue
		}
		if pct, ok := parsePercent(scanner.Text()); ok {
			opts.OnProgress(pct)
		}
	}

	if err := cmd.Wait(); err != nil {
		removePartials(dir, baseName)
		if ctx.Err() != nil {
			return "", Classify("", ctx.Err())
		}
		return "", Classify(stderr.String(), err)
	}

	path, err := findOutput(dir, baseName)
	if err != nil {
		return "", newError(KindExtractionFailed, "Downloaded file not found",
			"Please try again", err)
	}
	return path, nil
}

// ResolveAudioStream finds the best audio-only stream URL for a video so it
// can be converted without downloading the video track.
func (a *Adapter) ResolveAudioStream(ctx context.Context, rawURL string) (string, error) {
	if err := a.checkResources(a.cfg.DownloadsDir); err != nil {
		return "", err
	}

	args := append([]string{}, a.extraArgs...)
	args = append(args, "-J", "--no-warnings", "--skip-download", "--no-playlist", rawURL)

	cmd := exec.CommandContext(ctx, a.cfg.YtdlpBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", Classify("", ctx.Err())
		}
		return "", Classify(stderr.String(), err)
	}

	var info ytdlpInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return "", newError(KindExtractionFailed, "Invalid response from the extractor",
			"Please try again", err)
	}

	best := bestAudioFormat(info.Formats)
	if best == nil {
		return "", newError(KindNoAudioTrack, "This video has no audio track to extract",
			"Audio extraction only works on videos with sound", nil)
	}
	return best.URL, nil
}

var audioBitrate = map[string]string{
	"128kbps": "128k",
	"320kbps": "320k",
}

// ConvertToMP3 transcodes streamURL into an MP3 at outPath. quality is one
// of 128kbps or 320kbps; anything else falls back to 128k.
func (a *Adapter) ConvertToMP3(ctx context.Context, streamURL, outPath, quality string) error {
	bitrate, ok := audioBitrate[quality]
	if !ok {
		bitrate = "128k"
	}

	args := []string{
		"-y",
		"-loglevel", "error",
		"-nostdin",
		"-i", streamURL,
		"-vn",
		"-acodec", "libmp3lame",
		"-ar", "44100",
		"-b:a", bitrate,
		outPath,
	}
	cmd := exec.CommandContext(ctx, a.cfg.FFBin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		if ctx.Err() != nil {
			return Classify("", ctx.Err())
		}
		out := stderr.String()
		if classified := Classify(out, err); classified.Kind != KindExtractionFailed {
			return classified
		}
		return newError(KindConversionFailed, "Audio conversion failed",
			"Please try again or pick a different quality", fmt.Errorf("ffmpeg: %v | %s", err, strings.TrimSpace(out)))
	}
	return nil
}

var percentRe = regexp.MustCompile(`([\d.]+)%`)

func parsePercent(line string) (float64, bool) {
	m := percentRe.FindStringSubmatch(line)
	if len(m) < 2 {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return pct, true
}

// findOutput locates the file yt-dlp produced for baseName, whatever
// container it settled on.
func findOutput(dir, baseName string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, baseName+".*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".ytdl") {
			continue
		}
		return m, nil
	}
	return "", fmt.Errorf("no output matching %s in %s", baseName, dir)
}

// removePartials deletes whatever a failed or cancelled run left behind.
func removePartials(dir, baseName string) {
	matches, _ := filepath.Glob(filepath.Join(dir, baseName+".*"))
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			log.Printf("could not remove partial file %s: %v", m, err)
		}
	}
}

// checkResources verifies the host has enough headroom to start a new job.
func (a *Adapter) checkResources(dir string) error {
	p, err := cpu.Percent(time.Second, false)
	if err != nil {
		log.Printf("Warning: could not get CPU usage: %v", err)
	} else if len(p) > 0 && p[0] > (100.0-a.cfg.ThrottleCPU) {
		return newError(KindInternal, "The server is busy right now",
			"Please try again in a minute", fmt.Errorf("cpu usage %.2f%% above threshold", p[0]))
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Printf("Warning: could not get memory usage: %v", err)
	} else if vm.Available < uint64(a.cfg.ThrottleFreeMem) {
		return newError(KindInternal, "The server is busy right now",
			"Please try again in a minute", fmt.Errorf("free memory %d below threshold", vm.Available))
	}

	d, err := disk.Usage(dir)
	if err != nil {
		log.Printf("Warning: could not get disk usage for %s: %v", dir, err)
	} else if d.Free < uint64(a.cfg.ThrottleFreeDisk) {
		return newError(KindInternal, "The server is out of storage space",
			"Please try again later", fmt.Errorf("free disk %d below threshold", d.Free))
	}
	return nil
}

type ytdlpFormat struct {
	FormatID string  `json:"format_id"`
	ACodec   string  `json:"acodec"`
	VCodec   string  `json:"vcodec"`
	Ext      string  `json:"ext"`
	Protocol string  `json:"protocol"`
	URL      string  `json:"url"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Filesize int64   `json:"filesize"`
	ABR      float64 `json:"abr"`
	TBR      float64 `json:"tbr"`
}

type ytdlpInfo struct {
	Title     string        `json:"title"`
	Thumbnail string        `json:"thumbnail"`
	Duration  float64       `json:"duration"`
	Formats   []ytdlpFormat `json:"formats"`
}

func buildMetadata(raw *ytdlpInfo, info *platform.Info) *Metadata {
	meta := &Metadata{
		Title:       raw.Title,
		Thumbnail:   raw.Thumbnail,
		Duration:    int(raw.Duration),
		Platform:    info.Name,
		OriginalURL: info.OriginalURL,
	}
	if meta.Title == "" {
		meta.Title = "No Title"
	}

	seen := make(map[int]bool)
	for _, f := range raw.Formats {
		if f.ACodec != "" && f.ACodec != "none" {
			meta.AudioAvailable = true
		}
		if f.Height == 0 || seen[f.Height] {
			continue
		}
		if f.VCodec == "" || f.VCodec == "none" {
			continue
		}
		seen[f.Height] = true
		format := f.Ext
		if format == "" {
			format = "mp4"
		}
		meta.AvailableQualities = append(meta.AvailableQualities, Quality{
			Quality:  fmt.Sprintf("%dp", f.Height),
			Format:   format,
			Filesize: f.Filesize,
			FPS:      int(f.FPS),
		})
	}

	// Highest resolution first
	sort.Slice(meta.AvailableQualities, func(i, j int) bool {
		return qualityRank(meta.AvailableQualities[i].Quality) > qualityRank(meta.AvailableQualities[j].Quality)
	})
	return meta
}

func qualityRank(q string) int {
	n, _ := strconv.Atoi(strings.TrimSuffix(q, "p"))
	return n
}

// bestAudioFormat prefers audio-only streams over muxed ones and ranks the
// candidates by container, protocol, and bitrate.
func bestAudioFormat(formats []ytdlpFormat) *ytdlpFormat {
	var candidates []ytdlpFormat
	for _, f := range formats {
		if f.URL == "" {
			continue
		}
		audioOnly := (f.VCodec == "none" || f.VCodec == "") && f.ACodec != "none" && f.ACodec != ""
		if audioOnly {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		for _, f := range formats {
			if f.URL != "" && f.ACodec != "none" && f.ACodec != "" {
				candidates = append(candidates, f)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := scoreFormat(candidates[i]), scoreFormat(candidates[j])
		if si == sj {
			return candidates[i].ABR > candidates[j].ABR
		}
		return si > sj
	})
	return &candidates[0]
}

func scoreFormat(f ytdlpFormat) int {
	score := 0
	switch strings.ToLower(f.Ext) {
	case "m4a":
		score += 100
	case "webm":
		score += 90
	case "ogg", "opus":
		score += 85
	case "mp4":
		score += 70
	default:
		score += 60
	}
	p := strings.ToLower(f.Protocol)
	switch {
	case strings.HasPrefix(p, "https"):
		score += 30
	case strings.HasPrefix(p, "http"):
		score += 25
	case strings.Contains(p, "m3u8"), strings.Contains(p, "hls"):
		score += 20
	case strings.Contains(p, "dash"):
		score += 15
	}
	if f.ABR > 0 {
		score += int(f.ABR)
	} else if f.TBR > 0 {
		score += int(f.TBR / 2)
	}
	return score
}
