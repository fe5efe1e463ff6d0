package submit

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"bulk-post-scheduler/internal/models"
)

// Uploader stores a staged media object and returns the URL the platform
// should fetch it from.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// MediaConfig controls media staging.
type MediaConfig struct {
	MaxWidth        int
	MaxHeight       int
	MaxBytes        int64
	DownloadTimeout time.Duration
	KeyPrefix       string
}

// MediaStager downloads each media reference of an item, fits it within the
// platform's maximum dimensions and uploads the result.
type MediaStager struct {
	cfg        MediaConfig
	httpClient *http.Client
	uploader   Uploader
}

// NewMediaStager builds a stager. A nil uploader disables staging.
func NewMediaStager(cfg MediaConfig, uploader Uploader) *MediaStager {
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 25 * 1024 * 1024
	}
	return &MediaStager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.DownloadTimeout},
		uploader:   uploader,
	}
}

// Stage returns the staged URLs for item.Media in order.
func (m *MediaStager) Stage(ctx context.Context, item models.PostItem) ([]string, error) {
	if m == nil || m.uploader == nil {
		return item.Media, nil
	}
	out := make([]string, 0, len(item.Media))
	for i, ref := range item.Media {
		data, contentType, err := m.download(ctx, ref)
		if err != nil {
			return nil, err
		}
		body, format, err := m.fit(data, contentType)
		if err != nil {
			return nil, errors.Wrapf(err, "media %d of %s", i, item.ID)
		}
		key := path.Join(m.cfg.KeyPrefix, item.ID, fmt.Sprintf("%02d.%s", i, formatExtension(format)))
		url, err := m.uploader.Upload(ctx, key, body, mimeForFormat(format))
		if err != nil {
			return nil, errors.Wrapf(err, "upload media %d of %s", i, item.ID)
		}
		out = append(out, url)
	}
	return out, nil
}

func (m *MediaStager) fit(data []byte, contentType string) ([]byte, imaging.Format, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, errors.Wrap(err, "decode image")
	}
	format := imaging.JPEG
	if strings.Contains(strings.ToLower(contentType), "png") {
		format = imaging.PNG
	}

	w, h := fitWithin(img.Bounds().Dx(), img.Bounds().Dy(), m.cfg.MaxWidth, m.cfg.MaxHeight)
	if w != img.Bounds().Dx() || h != img.Bounds().Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
		img = dst
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(90)); err != nil {
		return nil, 0, errors.Wrap(err, "encode image")
	}
	return buf.Bytes(), format, nil
}

// fitWithin scales w×h down, keeping the aspect ratio, so that it fits
// maxW×maxH. A zero bound is unconstrained. Images are never enlarged.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if s := float64(maxH) / float64(h); s < scale {
			scale = s
		}
	}
	if scale == 1.0 {
		return w, h
	}
	nw, nh := int(float64(w)*scale+0.5), int(float64(h)*scale+0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

type statusError struct {
	op   string
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("%s: status %d", e.op, e.code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.op, e.code, e.body)
}

func (e *statusError) StatusCode() int { return e.code }

func (m *MediaStager) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "build request")
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "download media")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", &statusError{op: "download media", code: resp.StatusCode}
	}

	limited := io.LimitReader(resp.Body, m.cfg.MaxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", errors.Wrap(err, "read media")
	}
	if int64(len(body)) > m.cfg.MaxBytes {
		return nil, "", errors.Newf("media too large (>%d bytes)", m.cfg.MaxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func formatExtension(format imaging.Format) string {
	if format == imaging.PNG {
		return "png"
	}
	return "jpg"
}

func mimeForFormat(format imaging.Format) string {
	if format == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}

// S3Config points the uploader at a bucket. Endpoint and PathStyle support
// S3-compatible stores.
type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string
	PathStyle     bool
	PublicBaseURL string
}

// S3Uploader stages media in an S3 bucket.
type S3Uploader struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

// NewS3Uploader loads the default AWS credential chain for cfg.Region.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Uploader{client: client, bucket: cfg.Bucket, baseURL: strings.TrimRight(cfg.PublicBaseURL, "/")}, nil
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", errors.Wrap(err, "put object")
	}
	if s.baseURL != "" {
		return s.baseURL + "/" + key, nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
