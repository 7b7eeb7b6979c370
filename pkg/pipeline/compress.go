package pipeline

import (
	"bytes"
	"context"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
	"github.com/ulikunitz/xz"
)

type compressStage struct {
	format string
}

// Compress emits a precompressed copy next to every file. Supported formats are "br" (brotli) and
// "xz". The original file is passed on as well.
func Compress(format string) (Stage, error) {
	switch format {
	case "br", "xz":
		return &compressStage{format: format}, nil
	default:
		return nil, eris.Errorf("unsupported compression format %s (expected br or xz)", format)
	}
}

func (s *compressStage) Name() string { return "compress" }

func (s *compressStage) Descriptor() Descriptor {
	return Descriptor{Name: "compress", Options: map[string]interface{}{"format": s.format}}
}

func (s *compressStage) writer(out io.Writer) (io.WriteCloser, error) {
	if s.format == "xz" {
		return xz.NewWriter(out)
	}
	return brotli.NewWriterLevel(out, brotli.BestCompression), nil
}

func (s *compressStage) Transform(ctx context.Context, file *File) ([]*File, error) {
	buf := bytes.Buffer{}
	writer, err := s.writer(&buf)
	if err != nil {
		return nil, err
	}

	_, err = writer.Write(file.Contents)
	if err == nil {
		err = writer.Close()
	}
	if err != nil {
		return nil, eris.Wrapf(err, "failed to compress %s", file.Path)
	}

	compressed := file.Clone()
	compressed.Path = file.Path + "." + s.format
	compressed.Contents = buf.Bytes()
	return []*File{file, compressed}, nil
}
