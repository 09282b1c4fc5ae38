package ncmec

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"

	"tipline/config"
	"tipline/core/store"
	"tipline/core/utils"
)

// RemoteError is a refusal from the intake service: the exchange completed
// but the document or call was rejected. Not retryable.
type RemoteError struct {
	Code        int
	Description string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("intake refused (code %d): %s", e.Code, e.Description)
}

// ErrUnavailable wraps transport-level failures: connection errors, timeouts
// and 5xx answers. Callers may retry these.
var ErrUnavailable = errors.New("intake service unavailable")

// Retryable reports whether the error is transport-class rather than a
// refusal of the document itself.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Transport is the wire surface of the intake service. The production
// implementation speaks HTTPS; tests substitute their own.
type Transport interface {
	Status(ctx context.Context) error
	Schema(ctx context.Context) ([]byte, error)
	Submit(ctx context.Context, reportXML []byte) (*ReportResponse, error)
	Upload(ctx context.Context, reportID int64, filename string, file io.Reader) (*UploadResponse, error)
	FileInfo(ctx context.Context, detailsXML []byte) error
	Finish(ctx context.Context, reportID int64) error
	Retract(ctx context.Context, reportID int64) error
}

type httpTransport struct {
	base     string
	username string
	password string
	client   *http.Client
	apiLog   store.ApiLogStore
	logger   *utils.Logger
}

// NewHTTPTransport builds the production transport. Every exchange, success
// or failure, is appended to the api log before the caller sees the result.
func NewHTTPTransport(cfg config.NcmecConfig, apiLog store.ApiLogStore, logger *utils.Logger) Transport {
	return &httpTransport{
		base:     cfg.BaseURL(),
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		apiLog:   apiLog,
		logger:   logger,
	}
}

func (t *httpTransport) Status(ctx context.Context) error {
	body, err := t.do(ctx, http.MethodGet, "/status", "", nil, "")
	if err != nil {
		return err
	}
	var resp ReportResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode status response: %w", err)
	}
	if resp.ResponseCode != 0 {
		return &RemoteError{Code: resp.ResponseCode, Description: resp.ResponseDescription}
	}
	return nil
}

func (t *httpTransport) Schema(ctx context.Context) ([]byte, error) {
	return t.do(ctx, http.MethodGet, "/xsd", "", nil, "")
}

func (t *httpTransport) Submit(ctx context.Context, reportXML []byte) (*ReportResponse, error) {
	body, err := t.do(ctx, http.MethodPost, "/submit", "text/xml; charset=utf-8", bytes.NewReader(reportXML), string(reportXML))
	if err != nil {
		return nil, err
	}
	var resp ReportResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}
	if resp.ResponseCode != 0 {
		return nil, &RemoteError{Code: resp.ResponseCode, Description: resp.ResponseDescription}
	}
	return &resp, nil
}

func (t *httpTransport) Upload(ctx context.Context, reportID int64, filename string, file io.Reader) (*UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("id", strconv.FormatInt(reportID, 10)); err != nil {
		return nil, err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("stage upload %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	logged := fmt.Sprintf("multipart upload report=%d file=%s size=%d", reportID, filename, buf.Len())
	body, err := t.do(ctx, http.MethodPost, "/upload", mw.FormDataContentType(), &buf, logged)
	if err != nil {
		return nil, err
	}
	var resp UploadResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	if resp.ResponseCode != 0 {
		return nil, &RemoteError{Code: resp.ResponseCode, Description: resp.ResponseDescription}
	}
	return &resp, nil
}

func (t *httpTransport) FileInfo(ctx context.Context, detailsXML []byte) error {
	body, err := t.do(ctx, http.MethodPost, "/fileinfo", "text/xml; charset=utf-8", bytes.NewReader(detailsXML), string(detailsXML))
	if err != nil {
		return err
	}
	return decodeEnvelope(body, "fileinfo")
}

func (t *httpTransport) Finish(ctx context.Context, reportID int64) error {
	return t.postIDForm(ctx, "/finish", reportID)
}

func (t *httpTransport) Retract(ctx context.Context, reportID int64) error {
	return t.postIDForm(ctx, "/retract", reportID)
}

// postIDForm posts the report id as a multipart form, the framing every
// non-XML intake endpoint expects.
func (t *httpTransport) postIDForm(ctx context.Context, endpoint string, reportID int64) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("id", strconv.FormatInt(reportID, 10)); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	logged := fmt.Sprintf("multipart %s report=%d", strings.TrimPrefix(endpoint, "/"), reportID)
	body, err := t.do(ctx, http.MethodPost, endpoint, mw.FormDataContentType(), &buf, logged)
	if err != nil {
		return err
	}
	return decodeEnvelope(body, endpoint)
}

func decodeEnvelope(body []byte, endpoint string) error {
	var resp ReportResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	if resp.ResponseCode != 0 {
		return &RemoteError{Code: resp.ResponseCode, Description: resp.ResponseDescription}
	}
	return nil
}

// do performs one authenticated exchange and records it. loggedRequest is
// what lands in the api log, which for uploads is a summary rather than the
// binary body.
func (t *httpTransport) do(ctx context.Context, method, endpoint, contentType string, body io.Reader, loggedRequest string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.base+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(t.username, t.password)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.record(ctx, method, endpoint, loggedRequest, 0, err.Error(), false)
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		t.record(ctx, method, endpoint, loggedRequest, resp.StatusCode, err.Error(), false)
		return nil, fmt.Errorf("%w: read %s response: %v", ErrUnavailable, endpoint, err)
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	t.record(ctx, method, endpoint, loggedRequest, resp.StatusCode, string(respBody), success)

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %s answered %d", ErrUnavailable, endpoint, resp.StatusCode)
	}
	if !success {
		return nil, &RemoteError{Code: resp.StatusCode, Description: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

func (t *httpTransport) record(ctx context.Context, method, endpoint, request string, code int, response string, success bool) {
	entry := &store.ApiLogEntry{
		Method:       method,
		Endpoint:     endpoint,
		RequestBody:  request,
		ResponseCode: code,
		ResponseBody: response,
		Success:      success,
	}
	if err := t.apiLog.Append(ctx, entry); err != nil {
		t.logger.Errorf("api log append for %s %s: %v", method, endpoint, err)
	}
}
