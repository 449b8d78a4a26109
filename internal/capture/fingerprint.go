package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Fingerprint computes the deterministic dedup/cache key for a spec. Only
// fields that affect the produced output participate; the timeout budget
// does not. Two specs with equal fingerprints request the same result.
func Fingerprint(spec JobSpec) string {
	h := sha256.New()
	fmt.Fprintf(h, "url=%s\n", normalizeTarget(spec.TargetURL))
	fmt.Fprintf(h, "mode=%s\n", spec.Mode)
	fmt.Fprintf(h, "ocr=%t\n", spec.OCR)
	fmt.Fprintf(h, "transcode=%s|%s|%s|%t\n",
		strings.ToLower(spec.Transcode.Container),
		strings.ToLower(spec.Transcode.VideoCodec),
		strings.ToLower(spec.Transcode.AudioCodec),
		spec.Transcode.AudioOnly,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeTarget canonicalizes the locator so trivially different spellings
// of the same URL share a fingerprint: scheme/host lowercased, default ports
// and fragments dropped, trailing slash on a bare path removed.
func normalizeTarget(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}
	u.Fragment = ""
	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	}
	return u.String()
}
