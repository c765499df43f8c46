package email

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fumiama/go-docx"
	"github.com/ledongthuc/pdf"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// maxAttachmentBytes is the size cutoff: larger attachments are
// skipped entirely rather than analyzed.
const maxAttachmentBytes = 10 * 1024 * 1024

// maxExtractedChars is the truncation applied to PDF/DOCX text
// extraction.
const maxExtractedChars = 5000

// visionTimeout bounds the vision LLM call per attachment.
const visionTimeout = 300 * time.Second

// VisionGenerator is the subset of the LLM client needed to describe an image attachment.
type VisionGenerator interface {
	Vision(ctx context.Context, imageBytes []byte, prompt string, opts VisionOpts) (string, error)
}

// VisionOpts mirrors llmclient.VisionOpts, decoupling this package from the
// concrete client type.
type VisionOpts struct {
	Model   string
	Timeout time.Duration
}

// RawAttachment is a parsed MIME attachment before analysis.
type RawAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// AnalyzedAttachment pairs a [RawAttachment]'s metadata with the extracted
// text or description produced by [AnalyzeAttachment]. Attachment binaries
// are never persisted: only this struct — never RawAttachment.Data — is
// handed to the memory store.
type AnalyzedAttachment struct {
	Meta        memory.AttachmentMeta
	Description string // human-readable analysis text, fed into the reply prompt
}

// AnalyzeAttachment dispatches a raw attachment by MIME type:
// images go to the vision LLM, PDFs and DOCX files get page/paragraph-labeled
// text extraction truncated at 5000 chars, and anything else is recorded as
// unsupported. Attachments over 10MB are skipped before any dispatch.
func AnalyzeAttachment(ctx context.Context, vision VisionGenerator, visionModel string, a RawAttachment) AnalyzedAttachment {
	meta := memory.AttachmentMeta{
		Filename: a.Filename,
		Type:     a.ContentType,
		Size:     len(a.Data),
	}

	if len(a.Data) > maxAttachmentBytes {
		meta.Preview = "skipped: attachment exceeds 10MB size limit"
		return AnalyzedAttachment{Meta: meta, Description: meta.Preview}
	}

	switch {
	case strings.HasPrefix(a.ContentType, "image/"):
		desc, err := analyzeImage(ctx, vision, visionModel, a)
		if err != nil {
			meta.Preview = fmt.Sprintf("image analysis failed: %v", err)
			return AnalyzedAttachment{Meta: meta, Description: meta.Preview}
		}
		meta.Preview = truncate(desc, 200)
		return AnalyzedAttachment{Meta: meta, Description: fmt.Sprintf("Image %q: %s", a.Filename, desc)}

	case a.ContentType == "application/pdf":
		text, err := extractPDFText(a.Data)
		if err != nil {
			meta.Preview = fmt.Sprintf("pdf extraction failed: %v", err)
			return AnalyzedAttachment{Meta: meta, Description: meta.Preview}
		}
		meta.Preview = truncate(text, 200)
		return AnalyzedAttachment{Meta: meta, Description: fmt.Sprintf("PDF %q:\n%s", a.Filename, text)}

	case isDocxType(a.ContentType, a.Filename):
		text, err := extractDocxText(a.Data)
		if err != nil {
			meta.Preview = fmt.Sprintf("docx extraction failed: %v", err)
			return AnalyzedAttachment{Meta: meta, Description: meta.Preview}
		}
		meta.Preview = truncate(text, 200)
		return AnalyzedAttachment{Meta: meta, Description: fmt.Sprintf("Document %q:\n%s", a.Filename, text)}

	default:
		meta.Preview = "unsupported attachment type"
		return AnalyzedAttachment{Meta: meta, Description: fmt.Sprintf("Unsupported attachment %q (%s)", a.Filename, a.ContentType)}
	}
}

func analyzeImage(ctx context.Context, vision VisionGenerator, model string, a RawAttachment) (string, error) {
	if vision == nil {
		return "", fmt.Errorf("vision model unavailable")
	}
	vctx, cancel := context.WithTimeout(ctx, visionTimeout)
	defer cancel()
	return vision.Vision(vctx, a.Data, "Describe this image concisely, noting any dates, times, locations, or event details.", VisionOpts{Model: model, Timeout: visionTimeout})
}

// extractPDFText extracts page-labeled text from a PDF byte slice, truncated
// at maxExtractedChars.
func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var b strings.Builder
	total := reader.NumPage()
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "[page %d]\n%s\n", i, text)
		if b.Len() >= maxExtractedChars {
			break
		}
	}
	return truncate(b.String(), maxExtractedChars), nil
}

func isDocxType(contentType, filename string) bool {
	if contentType == "application/vnd.openxmlformats-officedocument.wordprocessingml.document" {
		return true
	}
	return strings.HasSuffix(strings.ToLower(filename), ".docx")
}

// extractDocxText extracts paragraph text from a DOCX byte slice, truncated
// at maxExtractedChars.
func extractDocxText(data []byte) (string, error) {
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}

	var b strings.Builder
	for _, item := range doc.Document.Body.Items {
		if para, ok := item.(*docx.Paragraph); ok {
			text := para.String()
			if strings.TrimSpace(text) == "" {
				continue
			}
			b.WriteString(text)
			b.WriteString("\n")
			if b.Len() >= maxExtractedChars {
				break
			}
		}
	}
	return truncate(b.String(), maxExtractedChars), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
