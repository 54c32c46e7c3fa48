package cloudinary

import (
	"strings"
	"testing"

	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
)

func TestFrameURLFromMov(t *testing.T) {
	src := "https://res.cloudinary.com/demo/video/upload/v1712/clips/beach.mov?_a=BAMAK+&token=abc"

	got, err := FrameURL(src, 2, 1024)
	if err != nil {
		t.Fatalf("FrameURL: %v", err)
	}
	if !strings.Contains(got, "so_2,w_1024,f_jpg,q_auto") {
		t.Fatalf("missing transformation in %q", got)
	}
	want := "https://res.cloudinary.com/demo/video/upload/so_2,w_1024,f_jpg,q_auto/v1712/clips/beach.jpg?_a=BAMAK+&token=abc"
	if got != want {
		t.Fatalf("FrameURL = %q, want %q", got, want)
	}
	path := got[:strings.Index(got, "?")]
	if !strings.HasSuffix(path, ".jpg") {
		t.Fatalf("expected path to end in .jpg, got %q", path)
	}
}

func TestFrameURLVariants(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "no query",
			src:  "https://res.cloudinary.com/demo/video/upload/clip.mp4",
			want: "https://res.cloudinary.com/demo/video/upload/so_2,w_1024,f_jpg,q_auto/clip.jpg",
		},
		{
			name: "fragment kept",
			src:  "https://res.cloudinary.com/demo/video/upload/clip.webm#t=3",
			want: "https://res.cloudinary.com/demo/video/upload/so_2,w_1024,f_jpg,q_auto/clip.jpg#t=3",
		},
		{
			name: "no extension",
			src:  "https://res.cloudinary.com/demo/video/upload/v1/folder.v2/clip",
			want: "https://res.cloudinary.com/demo/video/upload/so_2,w_1024,f_jpg,q_auto/v1/folder.v2/clip.jpg",
		},
		{
			name: "defaults applied",
			src:  "https://res.cloudinary.com/demo/video/upload/clip.mkv",
			want: "https://res.cloudinary.com/demo/video/upload/so_2,w_1024,f_jpg,q_auto/clip.jpg",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			second, width := 2, 1024
			if tc.name == "defaults applied" {
				second, width = -1, 0
			}
			got, err := FrameURL(tc.src, second, width)
			if err != nil {
				t.Fatalf("FrameURL: %v", err)
			}
			if got != tc.want {
				t.Fatalf("FrameURL = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFrameURLRejectsNonCDNURL(t *testing.T) {
	_, err := FrameURL("https://example.com/videos/clip.mov", 2, 1024)
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestIsVideoURL(t *testing.T) {
	cases := map[string]bool{
		"https://cdn.example.com/a/clip.MOV":                       true,
		"https://cdn.example.com/a/clip.mp4?x=1":                   true,
		"https://res.cloudinary.com/demo/video/upload/v1/abc":      true,
		"https://res.cloudinary.com/demo/image/upload/v1/abc.jpg":  false,
		"https://cdn.example.com/a/photo.png":                      false,
		"https://cdn.example.com/watch?file=clip.mp4":              false,
	}
	for src, want := range cases {
		if got := IsVideoURL(src); got != want {
			t.Fatalf("IsVideoURL(%q) = %v, want %v", src, got, want)
		}
	}
}

func TestPublicID(t *testing.T) {
	if got := PublicID("stefna/", "user-1", "gen-9"); got != "stefna/user-1/gen-9" {
		t.Fatalf("unexpected public id %q", got)
	}
	if got := PublicID("", "user-1", "gen-9"); got != "user-1/gen-9" {
		t.Fatalf("unexpected public id without folder %q", got)
	}
}
