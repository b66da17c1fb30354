package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"
	"transcriptworker/pkg/logger"

	"go.uber.org/zap"
)

// ExtractedAudioName is the file ExtractAudio leaves in the work directory.
const ExtractedAudioName = "extracted_audio.m4a"

// Downloader copies an object into a local file.
type Downloader interface {
	DownloadToFile(ctx context.Context, key, path string) (int64, error)
}

type Extractor struct {
	store  Downloader
	ffmpeg *FFmpeg
}

func NewExtractor(store Downloader, ffmpeg *FFmpeg) *Extractor {
	return &Extractor{store: store, ffmpeg: ffmpeg}
}

// ExtractAudio downloads an HLS playlist and its segments and concatenates
// them into a single audio file inside workDir. Everything it downloads is
// removed before it returns; only the returned audio file remains.
func (e *Extractor) ExtractAudio(ctx context.Context, playlistKey, workDir string) (string, error) {
	start := time.Now()
	logger.Info("Extracting audio from HLS", zap.String("playlist", playlistKey))

	output, err := e.extract(ctx, playlistKey, workDir)
	if err != nil {
		logger.Error("Failed to extract audio from HLS",
			zap.String("playlist", playlistKey),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", err
	}

	return output, nil
}

func (e *Extractor) extract(ctx context.Context, playlistKey, workDir string) (string, error) {
	scratch, err := os.MkdirTemp(workDir, "hls-")
	if err != nil {
		return "", fmt.Errorf("failed to create segment directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Debug("Failed to clean up segment directory", zap.String("dir", scratch), zap.Error(err))
		}
	}()

	mediaKey, uris, err := e.readSegmentList(ctx, playlistKey, scratch)
	if err != nil {
		return "", err
	}
	if len(uris) == 0 {
		return "", errors.New("no audio segments found in playlist")
	}

	files := make([]string, 0, len(uris))
	for i, uri := range uris {
		key, err := resolveKey(mediaKey, uri)
		if err != nil {
			return "", err
		}

		local := filepath.Join(scratch, fmt.Sprintf("%05d%s", i, path.Ext(key)))
		if _, err := e.store.DownloadToFile(ctx, key, local); err != nil {
			return "", fmt.Errorf("failed to download segment %s: %w", key, err)
		}
		files = append(files, local)
	}

	logger.Info("Downloaded segments", zap.Int("segments", len(files)))

	manifest := filepath.Join(scratch, "concat_list.txt")
	if err := writeConcatManifest(manifest, files); err != nil {
		return "", fmt.Errorf("failed to write concat manifest: %w", err)
	}

	output := filepath.Join(workDir, ExtractedAudioName)
	if err := e.ffmpeg.Concat(ctx, manifest, output); err != nil {
		return "", err
	}

	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		return "", errors.New("audio extraction failed: output file not found or empty")
	}

	logger.Info("Audio extracted",
		zap.String("file", output),
		zap.Int64("size", info.Size()))

	return output, nil
}

// readSegmentList downloads the playlist at key, following a master playlist
// one level down to its media playlist. It returns the key of the media
// playlist together with its segment URIs.
func (e *Extractor) readSegmentList(ctx context.Context, key, dir string) (string, []string, error) {
	for depth := 0; depth < 2; depth++ {
		local := filepath.Join(dir, fmt.Sprintf("playlist-%d.m3u8", depth))
		if _, err := e.store.DownloadToFile(ctx, key, local); err != nil {
			return "", nil, fmt.Errorf("failed to download playlist %s: %w", key, err)
		}

		segments, rendition, err := parseFile(local)
		if err != nil {
			return "", nil, fmt.Errorf("playlist %s: %w", key, err)
		}
		if rendition == "" {
			return key, segments, nil
		}

		next, err := resolveKey(key, rendition)
		if err != nil {
			return "", nil, err
		}
		logger.Debug("Following master playlist rendition", zap.String("rendition", next))
		key = next
	}

	return "", nil, fmt.Errorf("playlist %s: nested master playlists are not supported", key)
}

func parseFile(name string) ([]string, string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	return parsePlaylist(f)
}
