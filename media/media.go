// Package media hosts user images (avatars, post pictures) on Cloudinary.
package media

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"path"
	"strings"

	"codenearby/config"
	"codenearby/log"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/pkg/errors"
)

const sniffLen = 512

var (
	ErrUploadsDisabled = errors.New("image uploads are not configured")
	ErrNotImage        = errors.New("only png, jpeg, gif and webp images are accepted")
	ErrUploadFailed    = errors.New("image upload failed")
)

var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// Uploader stores an image and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, r io.Reader, folder string) (string, error)
}

// New returns the Cloudinary uploader, or Disabled when no account is configured.
func New(cfg config.CloudinaryConfig) (Uploader, error) {
	if !cfg.Enabled() {
		log.Logger().Info().Msg("cloudinary not configured, image uploads disabled")
		return Disabled{}, nil
	}
	return NewCloudinary(cfg)
}

// Disabled rejects every upload.
type Disabled struct{}

func (Disabled) Upload(context.Context, io.Reader, string) (string, error) {
	return "", ErrUploadsDisabled
}

// mediaAPI is the part of the Cloudinary SDK used here.
type mediaAPI interface {
	Upload(ctx context.Context, file interface{}, params uploader.UploadParams) (*uploader.UploadResult, error)
}

type Cloudinary struct {
	api    mediaAPI
	folder string
}

func NewCloudinary(cfg config.CloudinaryConfig) (*Cloudinary, error) {
	cld, err := cloudinary.NewFromURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "configuring cloudinary")
	}
	cld.Config.URL.Secure = true
	return &Cloudinary{api: &cld.Upload, folder: cfg.Folder}, nil
}

// CheckImage peeks at the start of r and fails unless it is a supported
// image. The returned reader still yields the whole content.
func CheckImage(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, errors.Wrap(err, "reading image")
	}
	ct := http.DetectContentType(head)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	if !imageTypes[ct] {
		return nil, ErrNotImage
	}
	return br, nil
}

func (c *Cloudinary) Upload(ctx context.Context, r io.Reader, folder string) (string, error) {
	img, err := CheckImage(r)
	if err != nil {
		return "", err
	}
	overwrite := false
	res, err := c.api.Upload(ctx, img, uploader.UploadParams{
		Folder:       path.Join(c.folder, folder),
		ResourceType: "image",
		Overwrite:    &overwrite,
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("folder", folder).Msg("cloudinary upload failed")
		return "", errors.Wrap(ErrUploadFailed, err.Error())
	}
	if res.Error.Message != "" {
		log.Ctx(ctx).Error().Str("reason", res.Error.Message).Str("folder", folder).Msg("cloudinary rejected upload")
		return "", ErrUploadFailed
	}
	log.Ctx(ctx).Debug().Str("public_id", res.PublicID).Msg("image uploaded")
	return res.SecureURL, nil
}
