package opencast

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/foxseedlab/ingestbridge/internal/mediabackend"
)

// Client talks to the ingest, ACL manager and series endpoints of an
// Opencast admin node.
type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

func NewClient(baseURL, username, password string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   httpClient,
	}
}

type mediaPackageDoc struct {
	XMLName xml.Name `xml:"mediapackage"`
	ID      string   `xml:"id,attr"`
}

func packageFrom(op string, body []byte) (mediabackend.Package, error) {
	var doc mediaPackageDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return mediabackend.Package{}, fmt.Errorf("%s: invalid media package: %w", op, err)
	}
	if doc.ID == "" {
		return mediabackend.Package{}, fmt.Errorf("%s: media package has no id", op)
	}
	return mediabackend.Package{ID: doc.ID, Raw: string(body)}, nil
}

func (c *Client) CreateMediaPackage(ctx context.Context) (mediabackend.Package, error) {
	const op = "createMediaPackage"
	req, err := c.newRequest(ctx, http.MethodGet, "/ingest/createMediaPackage", nil)
	if err != nil {
		return mediabackend.Package{}, err
	}
	body, err := c.do(op, req)
	if err != nil {
		return mediabackend.Package{}, err
	}
	return packageFrom(op, body)
}

func (c *Client) AddCatalog(ctx context.Context, pkg mediabackend.Package, flavor string, catalog []byte) (mediabackend.Package, error) {
	const op = "addDCCatalog"
	form := url.Values{
		"mediaPackage": {pkg.Raw},
		"dublinCore":   {string(catalog)},
		"flavor":       {flavor},
	}
	return c.postForm(ctx, op, "/ingest/addDCCatalog", form)
}

func (c *Client) AddAttachment(ctx context.Context, pkg mediabackend.Package, flavor string, attachment []byte) (mediabackend.Package, error) {
	const op = "addAttachment"
	return c.postMultipart(ctx, op, "/ingest/addAttachment", pkg, flavor, "attachment.xml", func(w io.Writer) error {
		_, err := w.Write(attachment)
		return err
	})
}

// AddTrack streams the file from disk.
func (c *Client) AddTrack(ctx context.Context, pkg mediabackend.Package, flavor string, path string) (mediabackend.Package, error) {
	const op = "addTrack"
	return c.postMultipart(ctx, op, "/ingest/addTrack", pkg, flavor, filepath.Base(path), func(w io.Writer) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		_, err = io.Copy(w, f)
		return err
	})
}

func (c *Client) Ingest(ctx context.Context, pkg mediabackend.Package, workflow string, configuration map[string]string) (mediabackend.Package, error) {
	const op = "ingest"
	form := url.Values{"mediaPackage": {pkg.Raw}}
	for k, v := range configuration {
		form.Set(k, v)
	}
	return c.postForm(ctx, op, "/ingest/ingest/"+url.PathEscape(workflow), form)
}

type aclTemplate struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	ACL  struct {
		ACE []mediabackend.ACLRule `json:"ace"`
	} `json:"acl"`
}

func (c *Client) ACLTemplate(ctx context.Context, name string) ([]mediabackend.ACLRule, error) {
	const op = "acl-manager"
	req, err := c.newRequest(ctx, http.MethodGet, "/acl-manager/acl/acls.json", nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(op, req)
	if err != nil {
		return nil, err
	}
	var templates []aclTemplate
	if err := json.Unmarshal(body, &templates); err != nil {
		return nil, fmt.Errorf("%s: invalid acl list: %w", op, err)
	}
	for _, t := range templates {
		if t.Name == name {
			return t.ACL.ACE, nil
		}
	}
	return nil, fmt.Errorf("%s: acl template %q not found", op, name)
}

type seriesDoc struct {
	Identifier   string   `json:"identifier"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Language     string   `json:"language"`
	License      string   `json:"license"`
	Rights       string   `json:"rightsholder"`
	Subjects     []string `json:"subjects"`
	Contributors []string `json:"contributors"`
	Creators     []string `json:"organizers"`
	Publishers   []string `json:"publishers"`
}

func (c *Client) FindSeries(ctx context.Context, title string) (mediabackend.Series, bool, error) {
	const op = "series"
	q := url.Values{"filter": {"title:" + title}}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/series?"+q.Encode(), nil)
	if err != nil {
		return mediabackend.Series{}, false, err
	}
	req.Header.Set("Accept", "application/json")
	body, err := c.do(op, req)
	if err != nil {
		return mediabackend.Series{}, false, err
	}
	var docs []seriesDoc
	if err := json.Unmarshal(body, &docs); err != nil {
		return mediabackend.Series{}, false, fmt.Errorf("%s: invalid series list: %w", op, err)
	}
	for _, d := range docs {
		if d.Title != title {
			continue
		}
		return mediabackend.Series{
			ID:           d.Identifier,
			Title:        d.Title,
			Description:  d.Description,
			Language:     d.Language,
			License:      d.License,
			Rights:       d.Rights,
			Subjects:     d.Subjects,
			Contributors: d.Contributors,
			Creators:     d.Creators,
			Publishers:   d.Publishers,
		}, true, nil
	}
	return mediabackend.Series{}, false, nil
}

func (c *Client) postForm(ctx context.Context, op, path string, form url.Values) (mediabackend.Package, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, strings.NewReader(form.Encode()))
	if err != nil {
		return mediabackend.Package{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	body, err := c.do(op, req)
	if err != nil {
		return mediabackend.Package{}, err
	}
	return packageFrom(op, body)
}

func (c *Client) postMultipart(ctx context.Context, op, path string, pkg mediabackend.Package, flavor, filename string, writeBody func(io.Writer) error) (mediabackend.Package, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeMultipart(mw, pkg, flavor, filename, writeBody)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, path, pr)
	if err != nil {
		_ = pr.Close()
		return mediabackend.Package{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	body, err := c.do(op, req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return mediabackend.Package{}, err
	}
	return packageFrom(op, body)
}

func writeMultipart(mw *multipart.Writer, pkg mediabackend.Package, flavor, filename string, writeBody func(io.Writer) error) error {
	if err := mw.WriteField("mediaPackage", pkg.Raw); err != nil {
		return err
	}
	if err := mw.WriteField("flavor", flavor); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("BODY", filename)
	if err != nil {
		return err
	}
	return writeBody(part)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	return req, nil
}

// do executes req and maps failures onto the media backend error kinds.
func (c *Client) do(op string, req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return nil, mediabackend.Transient(op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mediabackend.Transient(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &mediabackend.StatusError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
