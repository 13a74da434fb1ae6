// Package privacy implements a pure function that decides whether a viewer may see a target's presence at all, and
// which fields of that presence survive redaction. Unlike the reference implementation's permission.Cache, there is
// nothing here worth caching — the inputs (visibility mode, the social graph edge between two specific users, three
// boolean share flags) are already as cheap to read as a cache entry would be, and the decision itself is a handful
// of comparisons, so evaluation is deliberately a stateless function rather than a Valkey-backed lookup.
package privacy

import "github.com/presenced/presenced/internal/store"

// Graph is the subset of the social graph Visible needs to resolve relationship-gated visibility. Callers build
// this from the target's store.User columns.
type Graph struct {
	Followers    []int64 // identity IDs following the target
	Following    []int64 // identity IDs the target follows
	CloseFriends []int64 // identity IDs the target has marked as close friends
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Visible reports whether viewerID may see targetID's presence at all, given the target's visibility mode and
// social graph.
func Visible(viewerID, targetID int64, mode store.VisibilityMode, graph Graph) bool {
	if viewerID == targetID {
		return true
	}
	switch mode {
	case store.VisibilityEveryone:
		return true
	case store.VisibilityFollowers:
		return contains(graph.Followers, viewerID)
	case store.VisibilityFollowing:
		return contains(graph.Following, viewerID)
	case store.VisibilityCloseFriends:
		return contains(graph.CloseFriends, viewerID)
	case store.VisibilityInvisible:
		return false
	default:
		return false
	}
}

// Fields is the set of optional presence fields a viewer is allowed to see after share-preference redaction.
type Fields struct {
	Project  bool
	Language bool
	Activity bool
}

// Redact returns which optional fields survive for a viewer who already passed Visible, applying the target's
// per-field share preferences. A viewer looking at their own presence always sees every field.
func Redact(viewerID, targetID int64, prefs store.Preferences) Fields {
	if viewerID == targetID {
		return Fields{Project: true, Language: true, Activity: true}
	}
	return Fields{
		Project:  prefs.ShareProject,
		Language: prefs.ShareLanguage,
		Activity: prefs.ShareActivity,
	}
}
