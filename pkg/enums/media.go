package enums

import (
	"fmt"
	"slices"
)

// MediaType is the kind of file a generation produced.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// MediaStatus mirrors the media_status column. Assets are only written once
// the CDN upload succeeded, so ready is the one state today.
type MediaStatus string

const MediaStatusReady MediaStatus = "ready"

var (
	mediaTypes    = []MediaType{MediaTypeImage, MediaTypeVideo}
	mediaStatuses = []MediaStatus{MediaStatusReady}
)

func (m MediaType) String() string   { return string(m) }
func (m MediaType) IsValid() bool    { return slices.Contains(mediaTypes, m) }
func (m MediaStatus) String() string { return string(m) }
func (m MediaStatus) IsValid() bool  { return slices.Contains(mediaStatuses, m) }

func ParseMediaType(value string) (MediaType, error) {
	if t := MediaType(value); t.IsValid() {
		return t, nil
	}
	return "", fmt.Errorf("invalid media type %q", value)
}

func ParseMediaStatus(value string) (MediaStatus, error) {
	if s := MediaStatus(value); s.IsValid() {
		return s, nil
	}
	return "", fmt.Errorf("invalid media status %q", value)
}
