package ircbridge

import (
	"fmt"
	"math/rand/v2"

	"github.com/dalnet/chatrelay/internal/storage"
)

// Usable mIRC palette for nick colors; 0, 1 and 15 read poorly on common
// client backgrounds.
const (
	firstColor = 2
	lastColor  = 14
)

// colorizer assigns each relayed username a persistent color, preferring the
// least used palette entries
type colorizer struct {
	store *storage.Colors
	pick  func(n int) int
}

func newColorizer(store *storage.Colors) *colorizer {
	return &colorizer{store: store, pick: rand.IntN}
}

// colorFor returns user's color, assigning and saving one on first use
func (c *colorizer) colorFor(user string) (int, error) {
	if color, ok := c.store.Get(user); ok {
		return color, nil
	}

	usage := c.store.Usage()
	lowest := -1
	var candidates []int
	for color := firstColor; color <= lastColor; color++ {
		count := usage[color]
		switch {
		case lowest < 0 || count < lowest:
			lowest = count
			candidates = []int{color}
		case count == lowest:
			candidates = append(candidates, color)
		}
	}

	color := candidates[c.pick(len(candidates))]
	if err := c.store.Set(user, color); err != nil {
		return color, fmt.Errorf("save user colors: %w", err)
	}
	return color, nil
}

// paint wraps name in the color's control sequence
func paint(name string, color int) string {
	return fmt.Sprintf("%s%02d%s%s", codeColor, color, name, codeColor)
}
