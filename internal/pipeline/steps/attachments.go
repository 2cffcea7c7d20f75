package steps

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"log/slog"
	"strings"

	// Register the decoders attachment filtering relies on.
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"

	"aaronromeo.com/mailclerk/internal/config"
	"aaronromeo.com/mailclerk/internal/pipeline"
)

// AttachmentCriteria filters and normalizes image attachments before
// they reach the ticket sink. Excluded MIME types and images below the
// minimum dimensions are dropped; images above the maximum dimensions
// are scaled down in place.
type AttachmentCriteria struct {
	mb   *config.Mailbox
	deps Deps
}

func NewAttachmentCriteria(mb *config.Mailbox, deps Deps) *AttachmentCriteria {
	return &AttachmentCriteria{mb: mb, deps: deps}
}

func (s *AttachmentCriteria) Name() string    { return "attachment_criteria" }
func (s *AttachmentCriteria) Precedence() int { return 20 }

func (s *AttachmentCriteria) Execute(ctx context.Context, pctx *pipeline.Context) error {
	cfg := s.mb.Steps.AttachmentCriteria
	if len(pctx.Message.Attachments) == 0 {
		return nil
	}

	kept := pctx.Message.Attachments[:0]
	for _, att := range pctx.Message.Attachments {
		if containsFold(cfg.ExcludedTypes, att.MIMEType) {
			continue
		}
		if !strings.HasPrefix(att.MIMEType, "image/") {
			kept = append(kept, att)
			continue
		}

		dim, _, err := image.DecodeConfig(bytes.NewReader(att.Data))
		if err != nil {
			// Undecodable images pass through unchanged.
			kept = append(kept, att)
			continue
		}
		if (cfg.MinWidth > 0 && dim.Width < cfg.MinWidth) ||
			(cfg.MinHeight > 0 && dim.Height < cfg.MinHeight) {
			continue
		}
		if (cfg.MaxWidth > 0 && dim.Width > cfg.MaxWidth) ||
			(cfg.MaxHeight > 0 && dim.Height > cfg.MaxHeight) {
			scaled, err := scaleDown(att.Data, dim, cfg.MaxWidth, cfg.MaxHeight)
			if err != nil {
				s.deps.Logger.WarnContext(ctx, "attachment resize failed",
					slog.String("filename", att.Filename), slog.Any("error", err))
				kept = append(kept, att)
				continue
			}
			att.Data = scaled
			att.MIMEType = "image/jpeg"
			att.Filename = jpegName(att.Filename)
		}
		kept = append(kept, att)
	}
	pctx.Message.Attachments = kept
	return nil
}

// scaleDown resizes an image so both dimensions fit within the
// configured maximums, preserving aspect ratio, and re-encodes it as
// JPEG.
func scaleDown(data []byte, dim image.Config, maxW, maxH int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	w, h := dim.Width, dim.Height
	if maxW > 0 && w > maxW {
		h = h * maxW / w
		w = maxW
	}
	if maxH > 0 && h > maxH {
		w = w * maxH / h
		h = maxH
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func jpegName(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	return name + ".jpg"
}
