package internal

import (
	"fmt"
	"strings"
)

// RoomSummary is the subset of room state needed to compute a display name.
type RoomSummary struct {
	Name           string
	CanonicalAlias string
	Heroes         []Hero
	JoinedCount    int
	InvitedCount   int
}

type Hero struct {
	ID   string
	Name string
}

// DisplayName computes the name a client shows for a room, following the client-server API
// rules: explicit name, then canonical alias, then a name built from the heroes. At most
// maxHeroNames hero names appear before the remainder is summarised as "and N others".
func DisplayName(s RoomSummary, maxHeroNames int) string {
	if s.Name != "" {
		return s.Name
	}
	if s.CanonicalAlias != "" {
		return s.CanonicalAlias
	}
	names := disambiguate(s.Heroes)
	others := s.JoinedCount + s.InvitedCount - 1
	alone := others <= 0

	if len(names) == 0 {
		if alone {
			return "Empty Room"
		}
		return fmt.Sprintf("%d others", others)
	}

	var name string
	if len(names) >= others {
		name = joinNames(names)
	} else {
		n := len(names)
		if n > maxHeroNames {
			n = maxHeroNames
		}
		name = fmt.Sprintf("%s and %d others", strings.Join(names[:n], ", "), others-n)
	}
	if alone {
		return fmt.Sprintf("Empty Room (was %s)", name)
	}
	return name
}

func joinNames(names []string) string {
	if len(names) == 1 {
		return names[0]
	}
	return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
}

// disambiguate appends the user ID to any hero whose display name is shared with another hero.
// Heroes without a display name use their user ID.
func disambiguate(heroes []Hero) []string {
	counts := make(map[string]int, len(heroes))
	for _, h := range heroes {
		counts[h.Name]++
	}
	out := make([]string, len(heroes))
	for i, h := range heroes {
		switch {
		case h.Name == "":
			out[i] = h.ID
		case counts[h.Name] > 1:
			out[i] = fmt.Sprintf("%s (%s)", h.Name, h.ID)
		default:
			out[i] = h.Name
		}
	}
	return out
}
