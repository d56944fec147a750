// Package transport carries operation requests to the remote gateway.
package transport

import (
	"strings"

	"github.com/google/uuid"

	"github.com/goliatone/go-asyncop"
)

// NewHeader builds a header with a fresh message GUID. orgGUID is left empty
// for anonymous operations.
func NewHeader(orgGUID, version string) asyncop.Header {
	return asyncop.Header{
		MessageGUID: uuid.NewString(),
		OrgGUID:     strings.TrimSpace(orgGUID),
		Version:     strings.TrimSpace(version),
	}
}
