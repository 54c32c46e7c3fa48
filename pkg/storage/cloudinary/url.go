package cloudinary

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
)

const (
	uploadSegment      = "/upload/"
	videoUploadSegment = "/video/upload/"
	DefaultFrameSecond = 2
	DefaultFrameWidth  = 1024
)

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".webm": {}, ".m4v": {}, ".avi": {}, ".mkv": {},
}

// IsVideoURL reports whether the URL points at a video, by extension or by a
// Cloudinary video delivery path.
func IsVideoURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if strings.Contains(u.Path, videoUploadSegment) {
		return true
	}
	_, ok := videoExtensions[strings.ToLower(path.Ext(u.Path))]
	return ok
}

// FrameURL rewrites a CDN video URL into a still JPEG of the frame at second,
// scaled to width. The query string and fragment are preserved.
func FrameURL(raw string, second, width int) (string, error) {
	raw = strings.TrimSpace(raw)
	if second < 0 {
		second = DefaultFrameSecond
	}
	if width <= 0 {
		width = DefaultFrameWidth
	}

	base, suffix := raw, ""
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		base, suffix = raw[:i], raw[i:]
	}

	idx := strings.Index(base, uploadSegment)
	if idx < 0 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "video url is not a cdn delivery url").
			WithDetails(map[string]any{"url": raw})
	}
	head := base[:idx+len(uploadSegment)]
	tail := base[idx+len(uploadSegment):]
	if tail == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "video url has no asset path")
	}

	slash := strings.LastIndex(tail, "/")
	if dot := strings.LastIndex(tail, "."); dot > slash {
		tail = tail[:dot]
	}

	transform := fmt.Sprintf("so_%d,w_%d,f_jpg,q_auto", second, width)
	return head + transform + "/" + tail + ".jpg" + suffix, nil
}

// PublicID builds the deterministic asset id for a generation result.
func PublicID(folder, userID, jobID string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{folder, userID, jobID} {
		if p = strings.Trim(strings.TrimSpace(p), "/"); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}
