package gcs

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// urlSigner produces V2 signed URLs for a single service account.
type urlSigner struct {
	email string
	key   *rsa.PrivateKey
	now   func() time.Time
}

func (s *urlSigner) sign(method, bucket, object, contentType string, ttl time.Duration) (string, error) {
	if s == nil || s.key == nil {
		return "", errors.New("gcs signing requires service account credentials")
	}
	if bucket == "" {
		return "", errors.New("bucket is required")
	}
	if object == "" {
		return "", errors.New("object is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	expires := strconv.FormatInt(now().Add(ttl).Unix(), 10)

	// method, content-md5, content-type, expires, resource
	payload := strings.Join([]string{method, "", contentType, expires, "/" + bucket + "/" + object}, "\n")
	digest := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing url: %w", err)
	}

	query := url.Values{}
	query.Set("GoogleAccessId", s.email)
	query.Set("Expires", expires)
	query.Set("Signature", base64.StdEncoding.EncodeToString(sig))

	return storageHost + "/" + url.PathEscape(bucket) + "/" + escapeObject(object) + "?" + query.Encode(), nil
}

func escapeObject(object string) string {
	segments := strings.Split(object, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
