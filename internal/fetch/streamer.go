package fetch

import (
	"io"
	"mime"
	"net/http"
	"strings"
)

// Stream is a terminal response ready to forward: the declared content type
// plus the upstream body as a lazy, single-pass reader. The body is never
// buffered whole; Close releases the upstream connection.
type Stream struct {
	ContentType   string
	ContentLength int64 // -1 when unknown
	Body          io.ReadCloser
}

// Close releases the upstream connection.
func (s *Stream) Close() error { return s.Body.Close() }

// OpenStream applies status and content-type policy to a terminal response.
// allowedTypePrefix is a media type family like "image/"; an empty prefix
// accepts any type. On failure the response body is drained and closed; on
// success ownership of the body passes to the returned Stream.
func OpenStream(resp *http.Response, allowedTypePrefix string) (*Stream, error) {
	if resp.StatusCode >= http.StatusBadRequest {
		drainClose(resp.Body)
		return nil, &Error{
			Kind:   KindUpstreamStatus,
			URL:    resp.Request.URL.String(),
			Status: resp.StatusCode,
			msg:    "upstream returned " + resp.Status,
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if allowedTypePrefix != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || !strings.HasPrefix(mediaType, allowedTypePrefix) {
			drainClose(resp.Body)
			return nil, failf(KindContentType, resp.Request.URL.String(),
				"content type %q is not %s*", contentType, allowedTypePrefix)
		}
	}

	return &Stream{
		ContentType:   contentType,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}
