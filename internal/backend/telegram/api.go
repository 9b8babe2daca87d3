package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

type apiResponse struct {
	Ok          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// RequestError is returned when the Telegram API answers with ok=false.
type RequestError struct {
	Method      string
	Params      map[string]any
	Description string
	Code        int
}

func (e *RequestError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("telegram: %s failed", e.Method)
	}
	return fmt.Sprintf("telegram: %s failed: %s (code %d)", e.Method, e.Description, e.Code)
}

func (t *Telegram) methodURL(method string) string {
	return t.apiBase + "/bot" + t.token + "/" + method
}

func (t *Telegram) fileURL(path string) string {
	return t.apiBase + "/file/bot" + t.token + "/" + path
}

// request performs one API call with form-encoded params. Nil params are
// dropped, everything else is stringified.
func (t *Telegram) request(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	form := url.Values{}
	for k, v := range params {
		if v == nil {
			continue
		}
		form.Set(k, fmt.Sprint(v))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL(method), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return t.do(req, method, params)
}

// requestUpload performs one API call as a multipart upload of content under
// fileField.
func (t *Telegram) requestUpload(ctx context.Context, method string, fields map[string]string, fileField, fileName string, content []byte) (json.RawMessage, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write multipart field: %v", err)
		}
	}
	part, err := w.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("failed to write multipart file: %v", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL(method), &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return t.do(req, method, nil)
}

func (t *Telegram) do(req *http.Request, method string, params map[string]any) (json.RawMessage, error) {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var data apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !data.Ok {
		return nil, &RequestError{Method: method, Params: params, Description: data.Description, Code: data.ErrorCode}
	}

	slog.Debug("Telegram API call", "method", method, "result_bytes", len(data.Result))
	return data.Result, nil
}

// downloadFile fetches the content of an uploaded file through getFile.
func (t *Telegram) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	res, err := t.request(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}

	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(res, &file); err != nil {
		return nil, fmt.Errorf("failed to decode getFile result: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.fileURL(file.FilePath), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code downloading file: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
