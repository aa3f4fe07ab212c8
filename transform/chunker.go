package transform

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/textsplitter"

	"driftsync.dev/common"
	"driftsync.dev/entity"
)

// Chunk sizing. Destination payload budgets bound the chunk, so the splitter
// target leaves room for metadata and a safety margin.
const (
	MaxChunkSize     = 8192
	MetadataOverhead = 512
	SafetyMargin     = 256

	effectiveChunkSize = MaxChunkSize - MetadataOverhead - SafetyMargin
	chunkOverlap       = 128
)

// Converter turns non-plaintext file bytes into text. The default handles
// UTF-8 text passthrough; deployments plug richer document converters here.
type Converter func(path, mimeType string) (string, error)

// Chunker expands a file entity into a parent record plus N ordered chunk
// records. The parent carries the file metadata; each chunk carries a slice
// of the converted text and the parent's entity id.
//
// The local file materialization is owned by the chunker from the moment
// Apply is entered: it is removed on every exit path, success or failure.
type Chunker struct {
	converter Converter
	splitter  textsplitter.RecursiveCharacter
	log       *logrus.Logger
}

// NewChunker builds a chunker with the given converter; a nil converter
// installs the plain-text default.
func NewChunker(converter Converter) *Chunker {
	if converter == nil {
		converter = plainTextConverter
	}
	return &Chunker{
		converter: converter,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(effectiveChunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
		log: common.Logger,
	}
}

func (c *Chunker) Name() string { return "chunker" }

// Apply converts the file to text, splits it, and emits parent + chunks.
func (c *Chunker) Apply(ctx context.Context, e *entity.Entity) ([]*entity.Entity, error) {
	if !e.IsFile() {
		return nil, fmt.Errorf("chunker: entity %s is not a file", e.ID)
	}
	localPath := e.File.LocalPath
	defer func() {
		if localPath == "" {
			return
		}
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			c.log.WithField("path", localPath).Warnf("chunker: failed to remove local file: %v", err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text, err := c.convert(e)
	if err != nil {
		return nil, fmt.Errorf("chunker: convert %s: %w", e.ID, err)
	}

	chunks, err := c.split(text)
	if err != nil {
		return nil, fmt.Errorf("chunker: split %s: %w", e.ID, err)
	}

	c.log.WithFields(logrus.Fields{
		"entity_id": e.ID,
		"size":      humanize.Bytes(uint64(e.File.Size)),
		"chunks":    len(chunks),
	}).Debug("chunked file entity")

	parent := e.Clone()
	parent.File.LocalPath = ""
	parent.Fields["chunk_count"] = len(chunks)

	out := make([]*entity.Entity, 0, len(chunks)+1)
	out = append(out, parent)
	for i, chunk := range chunks {
		child := &entity.Entity{
			ID:          fmt.Sprintf("%s#chunk-%d", e.ID, i),
			Type:        e.Type + "_chunk",
			ParentID:    e.ID,
			Breadcrumbs: append([]entity.Breadcrumb{}, e.Breadcrumbs...),
			ChunkIndex:  i,
			Fields: map[string]any{
				"md_content": chunk,
				"file_name":  e.File.Name,
				"mime_type":  e.File.MimeType,
			},
			System: e.System,
		}
		out = append(out, child)
	}
	return out, nil
}

func (c *Chunker) convert(e *entity.Entity) (string, error) {
	switch e.File.MimeType {
	case "text/markdown", "text/plain", "text/x-markdown":
		data, err := os.ReadFile(e.File.LocalPath)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return c.converter(e.File.LocalPath, e.File.MimeType)
	}
}

// split runs the recursive structural splitter and falls back to fixed-size
// slicing for any chunk the splitter could not bring under the budget (text
// with no separators at all, e.g. minified content).
func (c *Chunker) split(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	chunks, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, chunk := range chunks {
		if utf8.RuneCountInString(chunk) <= effectiveChunkSize {
			out = append(out, chunk)
			continue
		}
		out = append(out, fixedSizeSplit(chunk, effectiveChunkSize)...)
	}
	return out, nil
}

// fixedSizeSplit slices text into rune-bounded pieces of at most size runes.
func fixedSizeSplit(text string, size int) []string {
	var out []string
	runes := []rune(text)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// plainTextConverter is the default converter: it accepts files whose bytes
// already are valid UTF-8 text and rejects everything else.
func plainTextConverter(path, mimeType string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("no converter for mime type %q", mimeType)
	}
	return string(data), nil
}

func init() {
	Register(NewChunker(nil))
}
