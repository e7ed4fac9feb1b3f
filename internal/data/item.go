package data

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ItemType identifies what kind of library object an ItemID points at.
type ItemType string

const (
	TypeAudiobook ItemType = "audiobook"
	TypeEpisode   ItemType = "episode"
	TypeAuthor    ItemType = "author"
	TypeSeries    ItemType = "series"
	TypePodcast   ItemType = "podcast"
)

// idVersion is the leading segment of the canonical identifier string.
const idVersion = "1"

const idSep = "::"

func (t ItemType) Valid() bool {
	switch t {
	case TypeAudiobook, TypeEpisode, TypeAuthor, TypeSeries, TypePodcast:
		return true
	}
	return false
}

// Downloadable reports whether items of this type carry tracks.
func (t ItemType) Downloadable() bool {
	return t == TypeAudiobook || t == TypeEpisode
}

// ItemID addresses one object on one server. It is a value type: copy it,
// compare it with Equal and use Key as a map or store key.
type ItemID struct {
	ConnectionID string   `json:"connectionId"`
	LibraryID    string   `json:"libraryId"`
	PrimaryID    string   `json:"primaryId"`
	GroupingID   string   `json:"groupingId,omitempty"`
	Type         ItemType `json:"type"`
}

// String renders the canonical form version::type::library::[grouping::]primary.
// The connection is not part of the string; ParseItemID takes it separately.
func (id ItemID) String() string {
	parts := []string{idVersion, string(id.Type), id.LibraryID}
	if id.GroupingID != "" {
		parts = append(parts, id.GroupingID)
	}
	parts = append(parts, id.PrimaryID)
	return strings.Join(parts, idSep)
}

// Key is the identity of an item. Connection and library are included so two
// servers sharing an id space never collide; the type is addressing only.
func (id ItemID) Key() string {
	return strings.Join([]string{id.ConnectionID, id.LibraryID, id.GroupingID, id.PrimaryID}, idSep)
}

func (id ItemID) Equal(o ItemID) bool { return id.Key() == o.Key() }

func (id ItemID) IsZero() bool { return id.PrimaryID == "" }

// ParseItemID parses the canonical form produced by String.
func ParseItemID(connectionID, s string) (ItemID, error) {
	parts := strings.Split(strings.TrimSpace(s), idSep)
	if len(parts) != 4 && len(parts) != 5 {
		return ItemID{}, fmt.Errorf("%w: %q", ErrInvalidItemID, s)
	}
	if parts[0] != idVersion {
		return ItemID{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidItemID, parts[0])
	}
	t := ItemType(parts[1])
	if !t.Valid() {
		return ItemID{}, fmt.Errorf("%w: unknown type %q", ErrInvalidItemID, parts[1])
	}
	for _, p := range parts[2:] {
		if p == "" {
			return ItemID{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidItemID, s)
		}
	}
	id := ItemID{ConnectionID: connectionID, LibraryID: parts[2], Type: t}
	if len(parts) == 5 {
		id.GroupingID = parts[3]
		id.PrimaryID = parts[4]
	} else {
		id.PrimaryID = parts[3]
	}
	return id, nil
}

// Item is the shared part of every library object plus exactly one
// kind-specific payload, selected by ID.Type.
type Item struct {
	ID      ItemID   `json:"id"`
	Title   string   `json:"title"`
	Authors []string `json:"authors,omitempty"`

	Audiobook *AudiobookInfo `json:"audiobook,omitempty"`
	Episode   *EpisodeInfo   `json:"episode,omitempty"`
	Podcast   *PodcastInfo   `json:"podcast,omitempty"`
}

type AudiobookInfo struct {
	Narrators []string  `json:"narrators,omitempty"`
	Series    []string  `json:"series,omitempty"`
	Duration  float64   `json:"duration"`
	Chapters  []Chapter `json:"chapters,omitempty"`
}

type EpisodeInfo struct {
	PodcastTitle string  `json:"podcastTitle"`
	Index        int     `json:"index"`
	Duration     float64 `json:"duration"`
}

type PodcastInfo struct {
	EpisodeCount int  `json:"episodeCount"`
	Explicit     bool `json:"explicit"`
}

// Kind checks that the payload matches the identifier type.
func (it *Item) Kind() (ItemType, error) {
	switch it.ID.Type {
	case TypeAudiobook:
		if it.Audiobook == nil {
			return "", fmt.Errorf("audiobook %s: missing payload", it.ID)
		}
	case TypeEpisode:
		if it.Episode == nil {
			return "", fmt.Errorf("episode %s: missing payload", it.ID)
		}
	case TypePodcast:
		if it.Podcast == nil {
			return "", fmt.Errorf("podcast %s: missing payload", it.ID)
		}
	case TypeAuthor, TypeSeries:
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidItemID, it.ID.Type)
	}
	return it.ID.Type, nil
}

// Chapter is one entry of an item's chapter list.
type Chapter struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Title string  `json:"title"`
}

type Chapters []Chapter

func (c Chapters) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(c) }

func (c *Chapters) FromJSON(r io.Reader) error { return json.NewDecoder(r).Decode(c) }
