// Package signing computes the request authentication values expected by
// the Jimeng web API and the ImageX object-storage API.
package signing

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	apiSignPrefix = "9e2c"
	apiSignSuffix = "11ac"
	pathTailLen   = 7
)

// APISigner produces the Device-Time / Sign header pair for vendor API calls.
type APISigner struct {
	PlatformCode string
	VersionCode  string
}

// Sign returns the unix timestamp and signature for the request path.
// The result is deterministic for a fixed path and time.
func (s APISigner) Sign(path string, now time.Time) (int64, string) {
	deviceTime := now.Unix()
	tail := path
	if len(tail) > pathTailLen {
		tail = tail[len(tail)-pathTailLen:]
	}
	raw := strings.Join([]string{
		apiSignPrefix,
		tail,
		s.PlatformCode,
		s.VersionCode,
		strconv.FormatInt(deviceTime, 10),
		"",
		apiSignSuffix,
	}, "|")
	sum := md5.Sum([]byte(raw))
	return deviceTime, hex.EncodeToString(sum[:])
}
