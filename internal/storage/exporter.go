package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/digkill/fixtral/internal/models"
)

// ErrNothingToExport is returned for records without any image reference.
var ErrNothingToExport = errors.New("record has no image to export")

// Exporter turns a record's primary image into a link the client can
// download when no structured tier accepted the record.
type Exporter struct {
	uploader *Uploader
}

// NewExporter accepts a nil uploader; data URIs are then handed back as is.
func NewExporter(uploader *Uploader) *Exporter {
	return &Exporter{uploader: uploader}
}

func (e *Exporter) Name() string {
	return "download"
}

func (e *Exporter) Export(ctx context.Context, rec models.HistoryRecord) (string, error) {
	ref := strings.TrimSpace(rec.PrimaryImage())
	if ref == "" {
		return "", ErrNothingToExport
	}

	if strings.HasPrefix(ref, "data:") {
		if e.uploader == nil {
			return ref, nil
		}
		data, contentType, err := DecodeDataURI(ref)
		if err != nil {
			return "", err
		}
		return e.uploader.Upload(ctx, "fixtral-edit-"+rec.ID, data, contentType)
	}

	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("unsupported image reference %q", truncate(ref, 64))
	}
	return ref, nil
}

// DecodeDataURI parses a base64 data URI into bytes and its media type.
func DecodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data uri")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data uri")
	}
	contentType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, "", fmt.Errorf("data uri is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data uri: %w", err)
	}
	return data, contentType, nil
}

// EncodeDataURI is the inverse of DecodeDataURI.
func EncodeDataURI(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
