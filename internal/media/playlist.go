package media

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/grafov/m3u8"
)

// parsePlaylist decodes an HLS playlist. A media playlist yields its segment
// URIs; a master playlist yields the URI of the rendition to read instead,
// preferring a dedicated audio rendition over the first variant.
func parsePlaylist(r io.Reader) (segments []string, rendition string, err error) {
	p, listType, err := m3u8.DecodeFrom(r, false)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode playlist: %w", err)
	}

	switch listType {
	case m3u8.MEDIA:
		media := p.(*m3u8.MediaPlaylist)
		for _, seg := range media.Segments {
			if seg == nil || seg.URI == "" {
				continue
			}
			segments = append(segments, seg.URI)
		}
		return segments, "", nil

	case m3u8.MASTER:
		master := p.(*m3u8.MasterPlaylist)
		for _, v := range master.Variants {
			if v == nil {
				continue
			}
			for _, alt := range v.Alternatives {
				if alt != nil && alt.Type == "AUDIO" && alt.URI != "" {
					return nil, alt.URI, nil
				}
			}
		}
		for _, v := range master.Variants {
			if v != nil && v.URI != "" {
				return nil, v.URI, nil
			}
		}
		return nil, "", errors.New("master playlist has no variants")
	}

	return nil, "", fmt.Errorf("unsupported playlist type %v", listType)
}

// resolveKey turns a playlist-relative URI into a bucket key.
func resolveKey(playlistKey, uri string) (string, error) {
	if strings.Contains(uri, "://") {
		return "", fmt.Errorf("absolute segment URI not supported: %s", uri)
	}
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	if strings.HasPrefix(uri, "/") {
		return strings.TrimPrefix(path.Clean(uri), "/"), nil
	}
	return path.Join(path.Dir(playlistKey), uri), nil
}
