package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"transcriptworker/pkg/logger"

	"go.uber.org/zap"
)

// ErrAudioNotFound means the entity has neither an audio asset nor a master
// playlist to extract one from.
var ErrAudioNotFound = errors.New("no audio found")

const (
	audioPlaylistSuffix = "audio.m3u8"
	masterPlaylistName  = "master.m3u8"
)

var audioExtensions = []string{".m4a", ".mp3", ".wav", ".aac", ".ogg"}

// Lister lists object keys under a prefix.
type Lister interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// Audio is a resolved audio source in object storage.
type Audio struct {
	Key string
	// NeedsExtraction is set for segmented playlists that have to be
	// downloaded and concatenated before transcription.
	NeedsExtraction bool
}

type Locator struct {
	store Lister
}

func NewLocator(store Lister) *Locator {
	return &Locator{store: store}
}

// VideoPrefix is the storage prefix holding an entity's video assets.
func VideoPrefix(entityID string) string {
	return fmt.Sprintf("lessons/%s/videos/", entityID)
}

// ResolveAudio picks the audio source for an entity: a dedicated audio
// playlist, then a standalone audio file, then the master playlist.
func (l *Locator) ResolveAudio(ctx context.Context, entityID string) (Audio, error) {
	prefix := VideoPrefix(entityID)

	keys, err := l.store.ListKeys(ctx, prefix)
	if err != nil {
		return Audio{}, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	var audioPlaylist, audioFile, master string
	for _, key := range keys {
		switch {
		case audioPlaylist == "" && strings.HasSuffix(key, audioPlaylistSuffix):
			audioPlaylist = key
		case audioFile == "" && hasAudioExtension(key):
			audioFile = key
		case path.Base(key) == masterPlaylistName:
			// The top-level master wins over nested renditions.
			if master == "" || len(key) < len(master) {
				master = key
			}
		}
	}

	switch {
	case audioPlaylist != "":
		logger.Info("Found audio playlist", zap.String("key", audioPlaylist))
		return Audio{Key: audioPlaylist, NeedsExtraction: true}, nil
	case audioFile != "":
		logger.Info("Found audio file", zap.String("key", audioFile))
		return Audio{Key: audioFile}, nil
	case master != "":
		logger.Info("Found master playlist, audio will be extracted from HLS", zap.String("key", master))
		return Audio{Key: master, NeedsExtraction: true}, nil
	}

	logger.Warn("No audio source found", zap.String("prefix", prefix), zap.Int("objects", len(keys)))
	return Audio{}, fmt.Errorf("%w under %s", ErrAudioNotFound, prefix)
}

func hasAudioExtension(key string) bool {
	ext := strings.ToLower(path.Ext(key))
	for _, e := range audioExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
