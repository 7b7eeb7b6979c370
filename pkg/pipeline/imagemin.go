package pipeline

import (
	"bytes"
	"context"
	"image/gif"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"

	"github.com/ngld/assetflow/pkg/buildlog"
)

// ImageminOptions configures the Imagemin stage.
type ImageminOptions struct {
	// Verbose logs the savings for every file.
	Verbose bool
	// JPEGQuality re-encodes JPEG files at the given quality (1-100). 0 leaves JPEGs untouched.
	JPEGQuality int
}

type imageminStage struct {
	opts ImageminOptions

	mu         sync.Mutex
	count      int
	savedBytes int64
	totalBytes int64
}

// Imagemin losslessly shrinks PNG, GIF and SVG images (and JPEGs if a quality is set). An
// optimized image only replaces the original if it is smaller. Other files pass through.
func Imagemin(opts ImageminOptions) Stage {
	return &imageminStage{opts: opts}
}

func (s *imageminStage) Name() string { return "imagemin" }

func (s *imageminStage) Descriptor() Descriptor {
	opts := map[string]interface{}{"verbose": s.opts.Verbose}
	if s.opts.JPEGQuality > 0 {
		opts["jpeg_quality"] = s.opts.JPEGQuality
	}
	return Descriptor{Name: "imagemin", Options: opts}
}

func (s *imageminStage) optimize(file *File) ([]byte, error) {
	input := bytes.NewReader(file.Contents)
	buf := bytes.Buffer{}

	switch file.Ext() {
	case ".png":
		img, err := png.Decode(input)
		if err != nil {
			return nil, eris.Wrap(err, "failed to decode PNG")
		}

		encoder := png.Encoder{CompressionLevel: png.BestCompression}
		err = encoder.Encode(&buf, img)
		if err != nil {
			return nil, eris.Wrap(err, "failed to encode PNG")
		}
	case ".jpg", ".jpeg":
		if s.opts.JPEGQuality <= 0 {
			_, err := jpeg.DecodeConfig(input)
			if err != nil {
				return nil, eris.Wrap(err, "failed to decode JPEG")
			}
			return file.Contents, nil
		}

		img, err := jpeg.Decode(input)
		if err != nil {
			return nil, eris.Wrap(err, "failed to decode JPEG")
		}

		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.opts.JPEGQuality})
		if err != nil {
			return nil, eris.Wrap(err, "failed to encode JPEG")
		}
	case ".gif":
		img, err := gif.DecodeAll(input)
		if err != nil {
			return nil, eris.Wrap(err, "failed to decode GIF")
		}

		err = gif.EncodeAll(&buf, img)
		if err != nil {
			return nil, eris.Wrap(err, "failed to encode GIF")
		}
	case ".svg":
		result, err := minifier().Bytes("image/svg+xml", file.Contents)
		if err != nil {
			return nil, eris.Wrap(err, "failed to minify SVG")
		}
		return result, nil
	default:
		return file.Contents, nil
	}

	return buf.Bytes(), nil
}

func (s *imageminStage) Transform(ctx context.Context, file *File) ([]*File, error) {
	optimized, err := s.optimize(file)
	if err != nil {
		return nil, err
	}

	original := int64(len(file.Contents))
	saved := original - int64(len(optimized))
	out := file
	if saved > 0 {
		out = file.Clone()
		out.Contents = optimized
	} else {
		saved = 0
	}

	s.mu.Lock()
	s.count++
	s.savedBytes += saved
	s.totalBytes += original
	s.mu.Unlock()

	if s.opts.Verbose {
		name := filepath.Base(file.Path)
		if saved > 0 {
			buildlog.Log(ctx).Info().
				Str("stage", "imagemin").
				Msgf("✔ %s (saved %s - %.1f%%)", name, humanize.Bytes(uint64(saved)), percent(saved, original))
		} else {
			buildlog.Log(ctx).Info().
				Str("stage", "imagemin").
				Msgf("- %s (already optimized)", name)
		}
	}

	return []*File{out}, nil
}

func (s *imageminStage) Reset() {
	s.mu.Lock()
	s.count, s.savedBytes, s.totalBytes = 0, 0, 0
	s.mu.Unlock()
}

func (s *imageminStage) Flush(ctx context.Context) error {
	s.mu.Lock()
	count, saved, total := s.count, s.savedBytes, s.totalBytes
	s.count, s.savedBytes, s.totalBytes = 0, 0, 0
	s.mu.Unlock()

	if count > 0 {
		buildlog.Log(ctx).Info().
			Str("stage", "imagemin").
			Msgf("Minified %d images (saved %s - %.1f%%)", count, humanize.Bytes(uint64(saved)), percent(saved, total))
	}
	return nil
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
