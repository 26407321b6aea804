package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// FlexID accepts both JSON strings and numbers; the backend is not
// consistent about id types.
type FlexID string

func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) String() string { return string(id) }

// Document is a stored lesson plan.
type Document struct {
	ID        FlexID `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// DocumentPatch updates a subset of document fields. Nil fields are left out.
type DocumentPatch struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

type updateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CreateDocument stores rendered HTML under title and returns the created
// document with its server-issued id.
func (c *Client) CreateDocument(ctx context.Context, title, html string) (*Document, error) {
	var out Document
	_, err := c.execute(ctx, call{
		op: "create document", method: http.MethodPost, path: PathDocuments,
		body: map[string]string{"title": title, "content": html}, result: &out, authed: true,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDocuments returns the user's documents.
func (c *Client) ListDocuments(ctx context.Context) ([]Document, error) {
	var out []Document
	_, err := c.execute(ctx, call{
		op: "list documents", method: http.MethodGet, path: PathDocuments,
		result: &out, authed: true,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetDocument fetches a single document including its content.
func (c *Client) GetDocument(ctx context.Context, id string) (*Document, error) {
	var out Document
	_, err := c.execute(ctx, call{
		op: "get document", method: http.MethodGet, path: documentPath(id),
		result: &out, authed: true,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateDocument applies patch to the document.
func (c *Client) UpdateDocument(ctx context.Context, id string, patch DocumentPatch) error {
	var out updateResponse
	_, err := c.execute(ctx, call{
		op: "update document", method: http.MethodPut, path: documentPath(id),
		body: patch, result: &out, authed: true,
	})
	if err != nil {
		return err
	}
	if !out.Success {
		msg := out.Message
		if msg == "" {
			msg = "update rejected"
		}
		return &TransportError{Op: "update document", Err: errors.New(msg)}
	}
	return nil
}

// DeleteDocument removes the document.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	_, err := c.execute(ctx, call{
		op: "delete document", method: http.MethodDelete, path: documentPath(id),
		authed: true,
	})
	return err
}

// Export is a converted document file.
type Export struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ExportDocx converts HTML to a Word document. The filename comes from
// Content-Disposition when present, else defaultName.
func (c *Client) ExportDocx(ctx context.Context, html, defaultName string) (*Export, error) {
	resp, err := c.execute(ctx, call{
		op: "export docx", method: http.MethodPost, path: PathExportDocx,
		body: map[string]string{"html": html}, authed: true,
	})
	if err != nil {
		return nil, err
	}
	if defaultName == "" {
		defaultName = "document.docx"
	}
	ct := resp.Header().Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &Export{
		Filename:    filenameFromDisposition(resp.Header().Get("Content-Disposition"), defaultName),
		ContentType: ct,
		Data:        resp.Body(),
	}, nil
}

func documentPath(id string) string {
	return PathDocuments + "/" + url.PathEscape(id)
}

func filenameFromDisposition(header, fallback string) string {
	if header == "" {
		return fallback
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return fallback
	}
	// mime decodes RFC 5987 filename* into "filename".
	name := params["filename"]
	if name == "" {
		return fallback
	}
	if unq, err := url.PathUnescape(name); err == nil {
		name = unq
	}
	name = strings.Trim(name, `"'`)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fallback
	}
	return name
}
