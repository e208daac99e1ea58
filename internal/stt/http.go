package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lecternlabs/lectern/internal/config"
)

// HTTPTranscriber posts audio to a remote transcription service:
// multipart file upload in, JSON {"text": ...} out. Network errors and
// 5xx responses retry with exponential backoff; 4xx responses fail
// immediately.
type HTTPTranscriber struct {
	endpoint   string
	language   string
	client     *http.Client
	maxElapsed time.Duration
}

func NewHTTPTranscriber(cfg config.STTConfig) *HTTPTranscriber {
	timeout := time.Duration(cfg.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	maxElapsed := time.Duration(cfg.RetryMaxElapsedS) * time.Second
	if maxElapsed <= 0 {
		maxElapsed = 15 * time.Second
	}
	return &HTTPTranscriber{
		endpoint:   cfg.Endpoint,
		language:   cfg.Language,
		client:     &http.Client{Timeout: timeout},
		maxElapsed: maxElapsed,
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	var text string
	operation := func() error {
		result, err := t.post(ctx, audioPath)
		if err != nil {
			return err
		}
		text = result
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = t.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return "", err
	}
	return text, nil
}

func (t *HTTPTranscriber) post(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("open audio: %w", err))
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("create form file: %w", err))
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", backoff.Permanent(fmt.Errorf("read audio: %w", err))
	}
	if t.language != "" {
		if err := writer.WriteField("language", t.language); err != nil {
			return "", backoff.Permanent(fmt.Errorf("write language field: %w", err))
		}
	}
	if err := writer.Close(); err != nil {
		return "", backoff.Permanent(fmt.Errorf("finalize form: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, &body)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		respErr := fmt.Errorf("transcription service returned %s: %s", resp.Status, strings.TrimSpace(string(slurp)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", backoff.Permanent(respErr)
		}
		return "", respErr
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode transcription response: %w", err))
	}
	return strings.TrimSpace(payload.Text), nil
}
