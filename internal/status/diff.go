package status

import (
	"fmt"
	"sort"

	"github.com/SpriteOvO/closely-go/internal/errs"
)

// SortNewestFirst normalizes post order: newest first by Time, stable
// so ties keep the fetcher's own order (spec.md §4.1 step 3).
func (p Posts) SortNewestFirst() {
	sort.SliceStable(p, func(i, j int) bool {
		return p[i].Time.After(p[j].Time)
	})
}

// GenerateNotifications compares new against the subscription's
// previously stored snapshot (last) and returns the notifications that
// should be emitted this tick, per spec.md §4.3.
//
// Bootstrap semantics: if last is empty, nothing is emitted. A kind
// mismatch between two non-empty snapshots is an invariant violation
// (errs.ErrKindMismatch), fatal to the subscription task but not to the
// process (spec.md §7).
func GenerateNotifications(new, last Status) ([]Notification, error) {
	if last.IsEmpty() {
		return nil, nil
	}
	if new.IsEmpty() {
		// A fetcher that transiently returns empty produces no diff;
		// last_status is left untouched by the caller.
		return nil, nil
	}
	if new.Kind != last.Kind {
		return nil, fmt.Errorf("generate_notifications: new kind %v != last kind %v: %w", new.Kind, last.Kind, errs.ErrKindMismatch)
	}

	switch new.Kind {
	case KindLive:
		return diffLive(new, last), nil
	case KindPosts:
		return diffPosts(new, last), nil
	default:
		return nil, nil
	}
}

// diffLive implements spec.md §4.3's Live/Live rules, with title-before
// -state ordering within the same tick.
func diffLive(new, last Status) []Notification {
	var out []Notification

	if new.Live.Title != last.Live.Title {
		out = append(out, Notification{
			Kind:          NotificationLiveTitle,
			Source:        new.Source,
			Live:          new.Live,
			PreviousTitle: last.Live.Title,
		})
	}
	if new.Live.Kind != last.Live.Kind {
		out = append(out, Notification{
			Kind:   NotificationLiveOnline,
			Source: new.Source,
			Live:   new.Live,
		})
	}

	return out
}

// diffPosts implements spec.md §4.3's Posts/Posts rule: emit one
// Posts notification containing exactly the items of new whose
// platform-unique-id is not present in last, in new's order.
func diffPosts(new, last Status) []Notification {
	seen := make(map[string]struct{}, len(last.Posts))
	for _, p := range last.Posts {
		seen[p.UniqueID()] = struct{}{}
	}

	var fresh Posts
	for _, p := range new.Posts {
		if _, ok := seen[p.UniqueID()]; !ok {
			fresh = append(fresh, p)
		}
	}

	if len(fresh) == 0 {
		return nil
	}
	return []Notification{{
		Kind:   NotificationPosts,
		Source: new.Source,
		Posts:  fresh,
	}}
}

// UpdateIncrementally folds new into s in place, per spec.md §4.3's
// merge rules: additive-only, identity-keyed for posts, replace for
// live, and a no-op whenever new is empty (API glitches must never
// clear previously-held state).
func (s *Status) UpdateIncrementally(new Status) error {
	if new.IsEmpty() {
		return nil
	}
	if s.IsEmpty() {
		*s = new
		return nil
	}
	if s.Kind != new.Kind {
		return fmt.Errorf("update_incrementally: stored kind %v != new kind %v: %w", s.Kind, new.Kind, errs.ErrKindMismatch)
	}

	switch s.Kind {
	case KindLive:
		s.Live = new.Live
	case KindPosts:
		existing := make(map[string]struct{}, len(s.Posts))
		for _, p := range s.Posts {
			existing[p.UniqueID()] = struct{}{}
		}
		for _, p := range new.Posts {
			id := p.UniqueID()
			if _, ok := existing[id]; ok {
				continue
			}
			s.Posts = append(s.Posts, p)
			existing[id] = struct{}{}
		}
	}

	// Platform metadata always comes from the new snapshot; the user
	// descriptor is only overwritten if the new snapshot carries one.
	s.Source.PlatformName = new.Source.PlatformName
	if new.Source.User != nil {
		s.Source.User = new.Source.User
	}

	return nil
}
