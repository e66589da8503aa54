package jimeng

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"

	"github.com/wwwzhouhui/seedance2.0/internal/domain"
	"github.com/wwwzhouhui/seedance2.0/internal/signing"
)

const (
	defaultServiceID = "tb4s082cfz"
	imagexVersion    = "2018-08-01"
	uploadReferer    = "https://jimeng.jianying.com/ai-tool/video/generate"
	uploadOrigin     = "https://jimeng.jianying.com"
	uriStatusOK      = 2000
)

// UploadToken is the short-lived storage credential issued per upload.
type UploadToken struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`
	ServiceID       string `json:"service_id"`
}

func (t UploadToken) credential() signing.Credential {
	return signing.Credential{
		AccessKeyID:     t.AccessKeyID,
		SecretAccessKey: t.SecretAccessKey,
		SessionToken:    t.SessionToken,
	}
}

type uploadAddress struct {
	StoreInfos []struct {
		StoreURI string `json:"StoreUri"`
		Auth     string `json:"Auth"`
	} `json:"StoreInfos"`
	UploadHosts []string `json:"UploadHosts"`
	SessionKey  string   `json:"SessionKey"`
}

type responseMetadata struct {
	Error json.RawMessage `json:"Error"`
}

func (m responseMetadata) err() error {
	if len(m.Error) == 0 || string(m.Error) == "null" {
		return nil
	}
	return fmt.Errorf("storage error: %s", snippet(m.Error))
}

type applyResponse struct {
	ResponseMetadata responseMetadata `json:"ResponseMetadata"`
	Result           struct {
		UploadAddress uploadAddress `json:"UploadAddress"`
	} `json:"Result"`
}

type commitResponse struct {
	ResponseMetadata responseMetadata `json:"ResponseMetadata"`
	Result           struct {
		Results []struct {
			URI       string `json:"Uri"`
			URIStatus int    `json:"UriStatus"`
		} `json:"Results"`
		PluginResult []struct {
			ImageURI string `json:"ImageUri"`
		} `json:"PluginResult"`
	} `json:"Result"`
}

// GetUploadToken requests a storage credential for image uploads.
func (c *Client) GetUploadToken(ctx context.Context, sessionID string) (UploadToken, error) {
	data, err := c.Post(ctx, sessionID, pathUploadToken, map[string]any{"scene": 2})
	if err != nil {
		return UploadToken{}, err
	}
	var tok UploadToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return UploadToken{}, fmt.Errorf("decode upload token: %w", err)
	}
	if tok.AccessKeyID == "" || tok.SecretAccessKey == "" || tok.SessionToken == "" {
		return UploadToken{}, errors.New("upload token incomplete")
	}
	if tok.ServiceID == "" {
		tok.ServiceID = defaultServiceID
	}
	return tok, nil
}

// UploadImage stores data in the vendor's image service and returns its URI.
// Failures are reported as *domain.UploadError naming the failed step.
func (c *Client) UploadImage(ctx context.Context, sessionID string, data []byte) (string, error) {
	log := c.logger.With().Int("bytes", len(data)).Logger()

	tok, err := c.GetUploadToken(ctx, sessionID)
	if err != nil {
		return "", &domain.UploadError{Stage: domain.UploadStageToken, Err: err}
	}
	log.Debug().Str("service_id", tok.ServiceID).Msg("upload: token issued")

	addr, err := withRetry(ctx, c, "apply", func(ctx context.Context) (uploadAddress, error) {
		return c.applyUpload(ctx, tok, len(data))
	})
	if err != nil {
		return "", &domain.UploadError{Stage: domain.UploadStageApply, Err: err}
	}

	if _, err := withRetry(ctx, c, "upload", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.putObject(ctx, addr, data)
	}); err != nil {
		return "", &domain.UploadError{Stage: domain.UploadStageUpload, Err: err}
	}
	log.Debug().Str("host", addr.UploadHosts[0]).Msg("upload: object stored")

	uri, err := withRetry(ctx, c, "commit", func(ctx context.Context) (string, error) {
		return c.commitUpload(ctx, tok, addr.SessionKey)
	})
	if err != nil {
		return "", &domain.UploadError{Stage: domain.UploadStageCommit, Err: err}
	}
	log.Debug().Str("uri", uri).Msg("upload: committed")
	return uri, nil
}

func (c *Client) applyUpload(ctx context.Context, tok UploadToken, size int) (uploadAddress, error) {
	q := url.Values{}
	q.Set("Action", "ApplyImageUpload")
	q.Set("Version", imagexVersion)
	q.Set("ServiceId", tok.ServiceID)
	q.Set("FileSize", strconv.Itoa(size))
	q.Set("s", randomToken(10))

	var out applyResponse
	if err := c.storageCall(ctx, http.MethodGet, q, nil, tok, &out); err != nil {
		return uploadAddress{}, err
	}
	if err := out.ResponseMetadata.err(); err != nil {
		return uploadAddress{}, err
	}
	addr := out.Result.UploadAddress
	if len(addr.StoreInfos) == 0 || len(addr.UploadHosts) == 0 {
		return uploadAddress{}, errors.New("no upload address returned")
	}
	return addr, nil
}

func (c *Client) putObject(ctx context.Context, addr uploadAddress, data []byte) error {
	store := addr.StoreInfos[0]
	endpoint := "https://" + addr.UploadHosts[0] + "/upload/v1/" + store.StoreURI

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Authorization", store.Auth)
	req.Header.Set("Content-CRC32", signing.CRC32(data))
	req.Header.Set("Content-Disposition", `attachment; filename="undefined"`)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Origin", uploadOrigin)
	req.Header.Set("Referer", uploadReferer)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransportError{Op: "upload object", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) commitUpload(ctx context.Context, tok UploadToken, sessionKey string) (string, error) {
	q := url.Values{}
	q.Set("Action", "CommitImageUpload")
	q.Set("Version", imagexVersion)
	q.Set("ServiceId", tok.ServiceID)
	payload, err := json.Marshal(map[string]string{
		"SessionKey":          sessionKey,
		"SuccessActionStatus": "200",
	})
	if err != nil {
		return "", err
	}

	var out commitResponse
	if err := c.storageCall(ctx, http.MethodPost, q, payload, tok, &out); err != nil {
		return "", err
	}
	if err := out.ResponseMetadata.err(); err != nil {
		return "", err
	}
	if len(out.Result.Results) == 0 {
		return "", errors.New("commit returned no results")
	}
	result := out.Result.Results[0]
	if result.URIStatus != uriStatusOK {
		return "", fmt.Errorf("unexpected UriStatus %d", result.URIStatus)
	}
	if len(out.Result.PluginResult) > 0 && out.Result.PluginResult[0].ImageURI != "" {
		return out.Result.PluginResult[0].ImageURI, nil
	}
	return result.URI, nil
}

// storageCall sends a SigV4-signed request to the ImageX API and decodes the JSON reply.
func (c *Client) storageCall(ctx context.Context, method string, q url.Values, payload []byte, tok UploadToken, out any) error {
	u, err := url.Parse(c.imagexURL + "/?" + q.Encode())
	if err != nil {
		return err
	}
	sreq := signing.StorageRequest{
		Method:  method,
		URL:     u,
		AmzDate: signing.AmzDate(c.now()),
		Payload: payload,
	}
	auth := signing.SignStorage(sreq, tok.credential())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Authorization", auth)
	req.Header.Set("Origin", uploadOrigin)
	req.Header.Set("Referer", uploadReferer)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(signing.HeaderAmzDate, sreq.AmzDate)
	if tok.SessionToken != "" {
		req.Header.Set(signing.HeaderAmzSecurityToken, tok.SessionToken)
	}
	if sreq.SignedPayload() {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(signing.HeaderAmzContentSHA256, signing.PayloadHash(payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransportError{Op: "imagex " + q.Get("Action"), Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.TransportError{Op: "imagex " + q.Get("Action"), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s status %d: %s", q.Get("Action"), resp.StatusCode, snippet(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.TransportError{Op: "imagex decode", Err: err}
	}
	return nil
}

const tokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomToken(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = tokenAlphabet[rand.IntN(len(tokenAlphabet))]
	}
	return string(b)
}
