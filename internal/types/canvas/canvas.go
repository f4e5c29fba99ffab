package canvas

type ItemType string

const (
	ItemTypeText  ItemType = "text"
	ItemTypeImage ItemType = "image"
	ItemTypeFile  ItemType = "file"
)

// Item is a positioned object on the shared canvas. Content is either the
// literal text or, for image/file items, the serving path of an uploaded
// file. CreationDate is Unix milliseconds on the wire.
type Item struct {
	ID           string   `json:"id"`
	Type         ItemType `json:"type"`
	Content      string   `json:"content"`
	X            float64  `json:"x"`
	Y            float64  `json:"y"`
	Width        *float64 `json:"width,omitempty"`
	Height       *float64 `json:"height,omitempty"`
	OriginalName string   `json:"originalName,omitempty"`
	Mimetype     string   `json:"mimetype,omitempty"`
	OwnerUserID  string   `json:"ownerUserID"`
	Tags         []string `json:"tags"`
	CreationDate int64    `json:"creationDate"`
	IsPinned     bool     `json:"isPinned"`
}

// View is a client viewport: world-space offset plus zoom factor.
type View struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Bookmark is a named viewport saved by a user. Bookmarks are private to
// their owner and live only as long as the server process.
type Bookmark struct {
	BookmarkID  string `json:"bookmarkID"`
	OwnerUserID string `json:"ownerUserID"`
	Name        string `json:"name"`
	View        View   `json:"view"`
}

// Identity is a connected user: a server-issued stable userID plus the
// display nickname the user claimed.
type Identity struct {
	UserID   string `json:"userID"`
	Nickname string `json:"nickname"`
}
