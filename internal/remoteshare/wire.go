// Package remoteshare implements metadata, entity, and binary operations
// against a JCR/AEM-flavored remote asset API, composing RemoteTransport,
// ContentCache, and BinaryCache.
package remoteshare

import (
	"encoding/json"
	"time"

	"github.com/paladugu82/hybridshare/internal/model"
)

// apiProperties is the "properties" map of a wire entity object.
type apiProperties struct {
	Name         string `json:"name"`
	JCRCreated   string `json:"jcr:created"`
	JCRModified  string `json:"jcr:lastModified"`
	AssetSize    int64  `json:"asset:size"`
	AssetReadOnly bool  `json:"asset:readonly"`
	DriveLock    string `json:"cq:drivelock"`
	ETag         string `json:"etag"`
}

// apiEntity is one wire entity: an asset (file) or a folder. Folders carry
// a nested Entities array of children; assets do not.
type apiEntity struct {
	Class      string         `json:"class"`
	Properties apiProperties  `json:"properties"`
	Entities   []apiEntity    `json:"entities"`
}

const (
	classAsset  = "asset"
	classFolder = "folder"
)

// toMetadata converts a wire entity into model.EntityMetadata.
func (e apiEntity) toMetadata() model.EntityMetadata {
	kind := model.KindFile
	if e.Class == classFolder {
		kind = model.KindFolder
	}

	size := e.Properties.AssetSize
	if kind == model.KindFolder {
		size = 0
	}

	return model.EntityMetadata{
		Name:         e.Properties.Name,
		Kind:         kind,
		Size:         size,
		Created:      parseAPITime(e.Properties.JCRCreated),
		LastModified: parseAPITime(e.Properties.JCRModified),
		ReadOnly:     e.Properties.AssetReadOnly,
		CheckedOutBy: e.Properties.DriveLock,
		ETag:         e.Properties.ETag,
	}
}

// toListing converts a folder entity's children into a DirectoryListing.
func (e apiEntity) toListing() model.DirectoryListing {
	entries := make([]model.EntityMetadata, 0, len(e.Entities))
	for _, child := range e.Entities {
		entries = append(entries, child.toMetadata())
	}

	return model.NewDirectoryListing(entries)
}

// parseAPITime parses the API's timestamp format, falling back to the zero
// time on a malformed or empty value rather than failing the whole fetch —
// the wire format observed in the field is not always strictly RFC3339.
func parseAPITime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}

	if t, err := time.Parse("2006-01-02T15:04:05.000Z", s); err == nil {
		return t
	}

	return time.Time{}
}

func decodeEntity(body []byte) (apiEntity, error) {
	var e apiEntity
	if err := json.Unmarshal(body, &e); err != nil {
		return apiEntity{}, err
	}

	return e, nil
}

// intentHeader values for the metadata GET's X-Intent header.
const (
	intentFolderList = "folderList"
	intentEntityInfo = "entityInfo"
	intentExists     = "exists"
)
