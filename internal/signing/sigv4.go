package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	sigV4Algorithm = "AWS4-HMAC-SHA256"
	storageRegion  = "cn-north-1"
	storageService = "imagex"
	amzDateLayout  = "20060102T150405Z"

	HeaderAmzDate          = "x-amz-date"
	HeaderAmzSecurityToken = "x-amz-security-token"
	HeaderAmzContentSHA256 = "x-amz-content-sha256"
)

// Credential is the temporary STS-style key set issued for one upload.
type Credential struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// StorageRequest describes the parts of an object-storage call that are signed.
type StorageRequest struct {
	Method  string
	URL     *url.URL
	AmzDate string
	Payload []byte
}

// AmzDate formats t the way x-amz-date expects.
func AmzDate(t time.Time) string {
	return t.UTC().Format(amzDateLayout)
}

// PayloadHash returns the hex sha256 of payload.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// SignedPayload reports whether the content hash header takes part in the signature.
func (r StorageRequest) SignedPayload() bool {
	return strings.EqualFold(r.Method, http.MethodPost) && len(r.Payload) > 0
}

// SignStorage builds the Authorization header value for an ImageX call.
// Only x-amz-date, the security token (when present) and, for POST bodies,
// the content hash are signed.
func SignStorage(req StorageRequest, cred Credential) string {
	method := strings.ToUpper(req.Method)
	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	headers := map[string]string{HeaderAmzDate: req.AmzDate}
	if cred.SessionToken != "" {
		headers[HeaderAmzSecurityToken] = cred.SessionToken
	}
	payloadHash := PayloadHash(nil)
	if req.SignedPayload() {
		payloadHash = PayloadHash(req.Payload)
		headers[HeaderAmzContentSHA256] = payloadHash
	}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteByte(':')
		canonicalHeaders.WriteString(strings.TrimSpace(headers[name]))
		canonicalHeaders.WriteByte('\n')
	}
	signedHeaders := strings.Join(names, ";")

	canonicalRequest := strings.Join([]string{
		method,
		path,
		canonicalQuery(req.URL),
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	date := req.AmzDate
	if len(date) > 8 {
		date = date[:8]
	}
	scope := strings.Join([]string{date, storageRegion, storageService, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		sigV4Algorithm,
		req.AmzDate,
		scope,
		PayloadHash([]byte(canonicalRequest)),
	}, "\n")

	key := hmacSHA256([]byte("AWS4"+cred.SecretAccessKey), date)
	key = hmacSHA256(key, storageRegion)
	key = hmacSHA256(key, storageService)
	key = hmacSHA256(key, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	return sigV4Algorithm + " Credential=" + cred.AccessKeyID + "/" + scope +
		", SignedHeaders=" + signedHeaders + ", Signature=" + signature
}

// canonicalQuery joins the decoded query pairs sorted by key. Values are not
// re-escaped; the upload service signs them verbatim.
func canonicalQuery(u *url.URL) string {
	type pair struct{ key, value string }
	var pairs []pair
	for key, values := range u.Query() {
		for _, v := range values {
			pairs = append(pairs, pair{key, v})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.key + "=" + p.value
	}
	return strings.Join(parts, "&")
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
