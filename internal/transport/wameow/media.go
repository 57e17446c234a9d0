package wameow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/nortide/whatsgate/internal/transport"
)

// maxMediaBytes caps downloaded attachments at 64 MiB, matching the
// network's own media ceiling.
const maxMediaBytes = 64 << 20

func textMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

// buildMediaMessage downloads the attachment, uploads it to the network's
// media servers and wraps the result in a captioned message.
func (h *handle) buildMediaMessage(ctx context.Context, url string, kind transport.MediaKind, caption string) (*waE2E.Message, error) {
	data, mimetype, err := h.fetchMedia(ctx, url)
	if err != nil {
		return nil, err
	}

	var appInfo whatsmeow.MediaType
	switch kind {
	case transport.MediaImage:
		appInfo = whatsmeow.MediaImage
	case transport.MediaVideo:
		appInfo = whatsmeow.MediaVideo
	default:
		return nil, fmt.Errorf("wameow: unsupported media kind %q", kind)
	}

	uploaded, err := h.client.Upload(ctx, data, appInfo)
	if err != nil {
		return nil, fmt.Errorf("wameow: upload media: %w", err)
	}

	switch kind {
	case transport.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}, nil
	default:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}, nil
	}
}

func (h *handle) fetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("wameow: build media request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("wameow: fetch media %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("wameow: fetch media %s: unexpected status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("wameow: read media body: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("wameow: media at %s exceeds %d bytes", url, maxMediaBytes)
	}

	mimetype := resp.Header.Get("Content-Type")
	if i := strings.Index(mimetype, ";"); i >= 0 {
		mimetype = strings.TrimSpace(mimetype[:i])
	}
	if mimetype == "" || mimetype == "application/octet-stream" {
		mimetype = http.DetectContentType(data)
	}
	return data, mimetype, nil
}
