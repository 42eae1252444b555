// Package resolver turns remote media locators into fresh streamable URLs by
// shelling out to yt-dlp. Resolution always happens at play-start; extracted
// stream URLs expire too fast to be cached at enqueue time.
package resolver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"vigil/internal/playback"
	logx "vigil/pkg/logx"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) " +
	"Chrome/124.0.0.0 Safari/537.36"

type Config struct {
	// Binary is the yt-dlp executable, default "yt-dlp".
	Binary string

	// StagingDir receives the decoded cookie file.
	StagingDir string

	// CookiesB64 is the base64 Netscape cookie jar. Without it YouTube
	// frequently rejects extraction as bot traffic.
	CookiesB64 string
}

type Service struct {
	log logx.Logger
	cfg Config

	cookieOnce sync.Once
	cookiePath string
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, cfg: cfg}
}

// Resolve extracts {title, streamURL} for the locator.
func (s *Service) Resolve(ctx context.Context, locator string) (playback.Resolved, error) {
	args := []string{
		"-J",
		"--no-playlist",
		"--format", "bestaudio/best",
		"--force-ipv4",
		"--no-cache-dir",
		"--no-check-certificates",
		"--user-agent", userAgent,
		"--extractor-args", "youtube:player_client=android,web",
	}
	if cookies := s.cookieFile(); cookies != "" {
		args = append(args, "--cookies", cookies)
	} else {
		s.log.Warn("no cookie jar staged; extraction may be rejected as bot traffic")
	}
	args = append(args, locator)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.cfg.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := firstLine(stderr.String())
		if detail != "" {
			return playback.Resolved{}, fmt.Errorf("yt-dlp: %s: %w", detail, err)
		}
		return playback.Resolved{}, fmt.Errorf("yt-dlp: %w", err)
	}

	res, err := parseInfo(stdout.Bytes())
	if err != nil {
		return playback.Resolved{}, err
	}
	s.log.Debug("locator resolved", logx.String("title", res.Title))
	return res, nil
}

type ytInfo struct {
	Title   string   `json:"title"`
	URL     string   `json:"url"`
	Entries []ytInfo `json:"entries"`
}

// parseInfo reads yt-dlp's single-json dump. Playlist-shaped output falls
// back to the first entry.
func parseInfo(raw []byte) (playback.Resolved, error) {
	var info ytInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return playback.Resolved{}, fmt.Errorf("yt-dlp output: %w", err)
	}
	if len(info.Entries) > 0 {
		info = info.Entries[0]
	}
	if info.URL == "" {
		return playback.Resolved{}, errors.New("yt-dlp output: no stream url")
	}
	title := info.Title
	if title == "" {
		title = "未知音樂"
	}
	return playback.Resolved{Title: title, StreamURL: info.URL}, nil
}

// cookieFile decodes the configured cookie jar into the staging dir once per
// process and returns its path, or "" when unavailable.
func (s *Service) cookieFile() string {
	s.cookieOnce.Do(func() {
		b64 := strings.TrimSpace(s.cfg.CookiesB64)
		if b64 == "" {
			return
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			s.log.Warn("cookie jar decode failed", logx.Err(err))
			return
		}
		path := filepath.Join(s.cfg.StagingDir, "yt_cookies.txt")
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			s.log.Warn("cookie jar write failed", logx.String("path", path), logx.Err(err))
			return
		}
		s.cookiePath = path
		s.log.Info("cookie jar staged", logx.String("path", path), logx.Int("bytes", len(raw)))
	})
	return s.cookiePath
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
