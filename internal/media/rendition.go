// Package media produces fixed-size ad banner renditions and stores them where websites can fetch them.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"content-hub/internal/config"
	"content-hub/internal/models"
)

// Renditioner downloads an ad image, fits it to the banner size and uploads the result.
type Renditioner struct {
	width         int
	height        int
	maxBytes      int64
	publicBaseURL string
	httpClient    *http.Client
	uploader      Uploader
}

// NewRenditioner returns nil when no banner size is configured.
func NewRenditioner(ctx context.Context, cfg config.Config) (*Renditioner, error) {
	if cfg.BannerWidth == 0 && cfg.BannerHeight == 0 {
		return nil, nil
	}
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var up Uploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket}
	} else {
		baseDir := cfg.MediaOutputDir
		if baseDir == "" {
			baseDir = "./media"
		}
		up = &localUploader{baseDir: baseDir}
	}
	return New(cfg.BannerWidth, cfg.BannerHeight, cfg.ImageMaxBytes, cfg.MediaPublicBaseURL, &http.Client{Timeout: timeout}, up), nil
}

// New builds a Renditioner from explicit parts.
func New(width, height int, maxBytes int64, publicBaseURL string, client *http.Client, up Uploader) *Renditioner {
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Renditioner{
		width:         width,
		height:        height,
		maxBytes:      maxBytes,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		httpClient:    client,
		uploader:      up,
	}
}

// Banner renders the banner for ads and returns the URL to advertise to websites.
func (r *Renditioner) Banner(ctx context.Context, ads models.Ads) (string, error) {
	if ads.ImageURL == "" {
		return "", errors.New("ads has no image")
	}
	data, contentType, err := r.download(ctx, ads.ImageURL)
	if err != nil {
		return "", err
	}

	img, decodedFormat, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if r.width > 0 && r.height > 0 {
		img = imaging.Fill(img, r.width, r.height, imaging.Center, imaging.Lanczos)
	} else {
		img = imaging.Resize(img, r.width, r.height, imaging.Lanczos)
	}

	format := chooseFormat(decodedFormat, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	key := sanitizeKey(fmt.Sprintf("ads/%d/banner-%dx%d.%s", ads.ID, r.width, r.height, formatExtension(format)))
	location, err := r.uploader.Upload(ctx, key, buf.Bytes(), mimeForFormat(format))
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if r.publicBaseURL != "" {
		return r.publicBaseURL + "/" + filepath.ToSlash(key), nil
	}
	return location, nil
}

func (r *Renditioner) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", r.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func chooseFormat(decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}
