// Package api は服薬管理サーバーのREST APIクライアントを提供する。
//
// すべてのリクエストにセッショントークン（Bearer）とリクエストIDを付与し、
// 失敗はmodel.APIErrorのカテゴリに変換して返す。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hitoshi/medsync/internal/metrics"
	"github.com/hitoshi/medsync/internal/model"
)

// maxResponseSize はレスポンスボディの最大読み取りサイズ。
const maxResponseSize = 10 << 20

// proofFieldName はアップロードする証跡ファイルのフォーム名。
const proofFieldName = "medicationProof"

// LoginResult はログイン・登録APIの結果。
// Roleはサーバーが返した場合のみ設定される。
type LoginResult struct {
	Token string
	User  model.User
	Role  string
}

// Client はREST APIクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	recorder   metrics.Recorder

	mu            sync.RWMutex
	tokenSource   func() string
	onAuthFailure func(ctx context.Context, token string, err error)
}

// NewClient は新しいClientを生成する。baseURLの末尾のスラッシュは取り除く。
func NewClient(httpClient *http.Client, baseURL string, logger *slog.Logger, recorder metrics.Recorder) *Client {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
		recorder:   recorder,
	}
}

// SetTokenSource はリクエストに付与するトークンの取得元を設定する。
func (c *Client) SetTokenSource(fn func() string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenSource = fn
}

// SetAuthFailureHandler は認証済みAPIが401を返したときに呼ばれる関数を設定する。
// tokenには拒否されたリクエストに付与したトークンが渡される。
// ログイン・登録APIの401では呼ばれない。
func (c *Client) SetAuthFailureHandler(fn func(ctx context.Context, token string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAuthFailure = fn
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokenSource == nil {
		return ""
	}
	return c.tokenSource()
}

// Login はユーザー名とパスワードでログインする。
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to encode login request: %w", err)
	}
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", bytes.NewReader(body), "application/json", &resp, false); err != nil {
		return nil, err
	}
	return resp.toResult(), nil
}

// Register は利用者を登録する。roleが空の場合はサーバーの既定に従う。
func (c *Client) Register(ctx context.Context, username, password, role string) (*LoginResult, error) {
	body, err := json.Marshal(registerRequest{Username: username, Password: password, Role: role})
	if err != nil {
		return nil, fmt.Errorf("failed to encode register request: %w", err)
	}
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", bytes.NewReader(body), "application/json", &resp, false); err != nil {
		return nil, err
	}
	return resp.toResult(), nil
}

func (r authResponse) toResult() *LoginResult {
	return &LoginResult{
		Token: r.Token,
		User:  model.User{ID: string(r.User.ID), Username: r.User.Username},
		Role:  strings.TrimSpace(r.Role),
	}
}

// ListMedications は現在のセッションの薬と記録の一覧を取得する。
func (c *Client) ListMedications(ctx context.Context) ([]model.Medication, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/medications", nil, "", &raw, true); err != nil {
		return nil, err
	}
	meds, err := decodeMedicationList(raw)
	if err != nil {
		return nil, model.NewServerError(http.StatusOK, fmt.Sprintf("malformed medication list: %v", err))
	}
	return meds, nil
}

// CreateMedication は薬を登録する。
func (c *Client) CreateMedication(ctx context.Context, in model.MedicationInput) (*model.Medication, error) {
	return c.sendMedication(ctx, http.MethodPost, "/api/medications", in)
}

// UpdateMedication は薬の情報を更新する。
func (c *Client) UpdateMedication(ctx context.Context, id string, in model.MedicationInput) (*model.Medication, error) {
	return c.sendMedication(ctx, http.MethodPut, "/api/medications/"+url.PathEscape(id), in)
}

func (c *Client) sendMedication(ctx context.Context, method, path string, in model.MedicationInput) (*model.Medication, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode medication: %w", err)
	}
	var resp medicationEnvelope
	if err := c.do(ctx, method, path, bytes.NewReader(body), "application/json", &resp, true); err != nil {
		return nil, err
	}
	m := resp.toModel()
	return &m, nil
}

// DeleteMedication は薬を削除する。
func (c *Client) DeleteMedication(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/medications/"+url.PathEscape(id), nil, "", nil, true)
}

// MarkTaken は (medicationID, day) の服薬状態を設定する。サーバー側で記録の作成または更新が行われる。
func (c *Client) MarkTaken(ctx context.Context, medicationID string, day model.Day, taken bool) (*model.MedicationLog, error) {
	body, err := json.Marshal(takenRequest{Date: day.String(), Taken: taken})
	if err != nil {
		return nil, fmt.Errorf("failed to encode taken request: %w", err)
	}
	var resp logEnvelope
	path := "/api/medications/" + url.PathEscape(medicationID) + "/taken"
	if err := c.do(ctx, http.MethodPut, path, bytes.NewReader(body), "application/json", &resp, true); err != nil {
		return nil, err
	}
	l := resp.toModel()
	return &l, nil
}

// UploadProof は記録IDに証跡ファイルをmultipartでアップロードする。
func (c *Client) UploadProof(ctx context.Context, medicationID, logID string, artifact model.ProofArtifact) (*model.MedicationLog, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, proofFieldName, artifact.Filename))
	h.Set("Content-Type", artifact.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := part.Write(artifact.Data); err != nil {
		return nil, fmt.Errorf("failed to write proof data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	var resp logEnvelope
	path := "/api/medications/" + url.PathEscape(medicationID) + "/log/" + url.PathEscape(logID) + "/upload-proof"
	if err := c.do(ctx, http.MethodPost, path, &buf, mw.FormDataContentType(), &resp, true); err != nil {
		return nil, err
	}
	l := resp.toModel()
	if l.ID == "" {
		l.ID = logID
	}
	return &l, nil
}

// do はリクエストを送信し、成功時はoutにJSONをデコードする。
// authedがtrueのAPIで401が返った場合は認証失敗ハンドラーを呼ぶ。
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any, authed bool) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	var tok string
	if authed {
		if tok = c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("api request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return model.NewNetworkError(err)
	}
	defer resp.Body.Close()
	c.recorder.RecordHTTPStatus(resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return model.NewNetworkError(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := c.mapError(resp.StatusCode, data, authed)
		c.logger.Warn("api returned error status",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("request_id", requestID),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		if authed && model.IsAuth(apiErr) {
			c.mu.RLock()
			handler := c.onAuthFailure
			c.mu.RUnlock()
			if handler != nil {
				handler(ctx, tok, apiErr)
			}
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return model.NewServerError(resp.StatusCode, fmt.Sprintf("malformed response: %v", err))
	}
	return nil
}

// mapError はHTTPステータスをエラーカテゴリに変換する。
func (c *Client) mapError(status int, body []byte, authed bool) *model.APIError {
	msg := serverMessage(body)

	switch status {
	case http.StatusUnauthorized:
		var e *model.APIError
		if authed {
			e = model.NewInvalidTokenError(errors.New(or(msg, "unauthorized")))
		} else {
			e = model.NewAuthError(model.ErrCodeInvalidCredentials, or(msg, "invalid username or password"), nil)
		}
		e.Status = status
		return e
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusConflict:
		e := model.NewValidationError(or(msg, "the server rejected the request"))
		e.Status = status
		return e
	default:
		return model.NewServerError(status, or(msg, http.StatusText(status)))
	}
}

// serverMessage はエラーレスポンスからメッセージを取り出す。JSONでない場合は本文の先頭を使う。
func serverMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		if er.Message != "" {
			return er.Message
		}
		if er.Error != "" {
			return er.Error
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if strings.HasPrefix(s, "<") {
		return ""
	}
	return s
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
