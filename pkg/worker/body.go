package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
)

// ParseBody decodes a request body by content type: JSON, URL-encoded
// form, multipart form, or raw text. A parse failure is reported to
// the caller but recorded on the request rather than aborting the
// request; the page decides whether it matters.
func ParseBody(contentType string, body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return string(body), nil
	}

	switch {
	case mediaType == "application/json":
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return v, nil

	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		form := make(map[string]any, len(values))
		for k, vs := range values {
			if len(vs) == 1 {
				form[k] = vs[0]
				continue
			}
			list := make([]any, len(vs))
			for i, v := range vs {
				list[i] = v
			}
			form[k] = list
		}
		return form, nil

	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart body without boundary")
		}
		return parseMultipart(body, boundary)

	default:
		return string(body), nil
	}
}

// parseMultipart decodes multipart form data into a list of part
// records: {name, filename, contentType, data}.
func parseMultipart(body []byte, boundary string) (any, error) {
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	var parts []any
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return parts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("invalid multipart body: %w", err)
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read multipart part: %w", err)
		}

		parts = append(parts, map[string]any{
			"name":        part.FormName(),
			"filename":    part.FileName(),
			"contentType": part.Header.Get("Content-Type"),
			"data":        string(data),
		})
	}
}
