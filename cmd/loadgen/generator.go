package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinyanalytics/pkg/event"
)

var (
	eventTypes = []string{"page_view", "page_view", "page_view", "click", "signup"}
	paths      = []string{"/", "/pricing", "/docs", "/docs/getting-started", "/blog", "/blog/launch", "/about"}
)

// generator produces synthetic traffic for a fixed set of sites and a pool
// of returning users
type generator struct {
	sites []string
	users []string
	rng   *rand.Rand
	now   func() time.Time
}

func newGenerator(sites, users int, seed uint64) *generator {
	g := &generator{
		sites: make([]string, sites),
		users: make([]string, users),
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:   time.Now,
	}
	for i := range g.sites {
		g.sites[i] = fmt.Sprintf("site-%d", i+1)
	}
	for i := range g.users {
		g.users[i] = "user-" + uuid.NewString()
	}
	return g
}

// next returns a random event. Paths are skewed toward the front of the list
// so top paths are stable; about one event in ten is anonymous.
func (g *generator) next() event.Event {
	e := event.Event{
		SiteID:    g.sites[g.rng.IntN(len(g.sites))],
		EventType: eventTypes[g.rng.IntN(len(eventTypes))],
		Timestamp: g.now().UTC(),
	}

	idx := min(g.rng.IntN(len(paths)), g.rng.IntN(len(paths)))
	e.Path = event.StringPtr(paths[idx])

	if len(g.users) > 0 && g.rng.IntN(10) != 0 {
		e.UserID = event.StringPtr(g.users[g.rng.IntN(len(g.users))])
	}
	return e
}
