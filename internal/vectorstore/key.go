package vectorstore

import (
	"strings"
)

const (
	// GuestUser stands in for a missing user id.
	GuestUser = "guest"
	// DefaultDoc stands in for a doc id that sanitizes to nothing.
	DefaultDoc = "default"

	maxIDLen         = 64
	collectionPrefix = "pdfchat"
)

// Key identifies one document's index. Both parts are already normalized.
type Key struct {
	UserID string
	DocID  string
}

// NewKey normalizes a (user, doc) pair. A blank user maps to GuestUser.
// Both parts are lowercased and reduced to [a-z0-9_-], at most 64 characters.
func NewKey(userID, docID string) Key {
	user := sanitize(userID)
	if user == "" {
		user = GuestUser
	}
	doc := sanitize(docID)
	if doc == "" {
		doc = DefaultDoc
	}
	return Key{UserID: user, DocID: doc}
}

// Collection is the durable backend's collection name for k.
func (k Key) Collection() string {
	return collectionPrefix + "_" + k.UserID + "_" + k.DocID
}

func (k Key) String() string {
	return k.UserID + "/" + k.DocID
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		if b.Len() == maxIDLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '.', r == '/', r == ':':
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_-")
}
