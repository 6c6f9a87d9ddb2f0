package analyze

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

const glbContentType = "model/gltf-binary"

var contentTypesByExt = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"glb":  glbContentType,
}

// newJobID returns 32 lower-case hex characters.
func newJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func jobPrefix(accountID uuid.UUID, jobID string) string {
	return fmt.Sprintf("analyze/%s/%s", accountID, jobID)
}

// inputObjectKey keeps only the extension of the client file name.
func inputObjectKey(prefix, fileName string) string {
	return fmt.Sprintf("%s/input/%s.%s", prefix, uuid.NewString(), extension(fileName))
}

func outputObjectKey(prefix string) string {
	return prefix + "/output/body.glb"
}

func extension(fileName string) string {
	ext := strings.TrimPrefix(path.Ext(strings.TrimSpace(fileName)), ".")
	if ext == "" {
		return "bin"
	}
	return strings.ToLower(ext)
}

func contentTypeFor(objectKey string) string {
	if ct, ok := contentTypesByExt[extension(objectKey)]; ok {
		return ct
	}
	return "application/octet-stream"
}
