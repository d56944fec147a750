package asyncop

import (
	"fmt"
	"strings"
	"time"
)

// TagKind names which correlation field is authoritative for a tag.
type TagKind string

const (
	TagKindRemote TagKind = "remote"
	TagKindRoot   TagKind = "root"
	TagKindUnique TagKind = "unique"
)

// TagKinds maps object tags to their authoritative field. Tags not listed
// default to TagKindRemote.
var TagKinds = map[string]TagKind{
	"house":    TagKindRemote,
	"provider": TagKindRoot,
	"account":  TagKindUnique,
	"device":   TagKindRoot,
	"document": TagKindRemote,
	"notice":   TagKindUnique,
}

// KindOfTag resolves the authoritative field kind for tag.
func KindOfTag(tag string) TagKind {
	if kind, ok := TagKinds[tag]; ok {
		return kind
	}
	return TagKindRemote
}

// Identifier maps one local business object to its remote identifiers.
type Identifier struct {
	Tag      string `json:"tag"`
	ObjectID string `json:"object_id"`
	// ProviderID is empty for identifiers shared across providers.
	ProviderID string `json:"provider_id,omitempty"`

	RemoteID      string `json:"remote_id,omitempty"`
	RootID        string `json:"root_id,omitempty"`
	VersionID     string `json:"version_id,omitempty"`
	UniqueNumber  string `json:"unique_number,omitempty"`
	DisplayNumber string `json:"display_number,omitempty"`

	// TransportID is regenerated on every association with an operation.
	TransportID string `json:"transport_id,omitempty"`
	// RecordID is the operation record that has this mapping checked out.
	RecordID string `json:"record_id,omitempty"`

	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`

	PendingWrite bool `json:"-"`
	// Discard drops a lazily created row that never received remote data.
	Discard bool `json:"-"`
	// Version is the store revision; zero means the row was never written.
	Version int `json:"version"`
}

// IdentifierKey is the primary identity of an identifier row.
type IdentifierKey struct {
	Tag        string
	ObjectID   string
	ProviderID string
}

// Key returns the primary identity of i.
func (i *Identifier) Key() IdentifierKey {
	return IdentifierKey{Tag: i.Tag, ObjectID: i.ObjectID, ProviderID: i.ProviderID}
}

// String renders the key for logs.
func (k IdentifierKey) String() string {
	if k.ProviderID == "" {
		return k.Tag + ":" + k.ObjectID
	}
	return k.Tag + ":" + k.ObjectID + "@" + k.ProviderID
}

// Shared reports whether the identifier is provider independent.
func (i *Identifier) Shared() bool {
	return i.ProviderID == ""
}

// Authoritative returns the value of the authoritative field for the tag.
func (i *Identifier) Authoritative() string {
	switch KindOfTag(i.Tag) {
	case TagKindRoot:
		return i.RootID
	case TagKindUnique:
		return i.UniqueNumber
	default:
		return i.RemoteID
	}
}

// Validate checks identity fields and that only the authoritative field of
// the tag kind (plus the generic remote id) is populated.
func (i *Identifier) Validate() error {
	if strings.TrimSpace(i.Tag) == "" || strings.TrimSpace(i.ObjectID) == "" {
		return fmt.Errorf("identifier requires tag and object id")
	}
	var foreign string
	switch KindOfTag(i.Tag) {
	case TagKindRemote:
		if i.RootID != "" {
			foreign = "root"
		} else if i.UniqueNumber != "" {
			foreign = "unique"
		}
	case TagKindRoot:
		if i.UniqueNumber != "" {
			foreign = "unique"
		}
	case TagKindUnique:
		if i.RootID != "" {
			foreign = "root"
		}
	}
	if foreign != "" {
		return fmt.Errorf("identifier %s: %s id not allowed for %s tag", i.Key(), foreign, KindOfTag(i.Tag))
	}
	return nil
}

// Clone returns an independent copy.
func (i *Identifier) Clone() *Identifier {
	if i == nil {
		return nil
	}
	cp := *i
	cp.DeletedAt = cloneTime(i.DeletedAt)
	return &cp
}
