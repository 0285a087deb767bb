package transaction

// cursor is the per-run classification state: which container is
// active, the count seen on the previous tick, and the last persisted
// count per container. It lives for exactly one transaction and is
// discarded on the terminal event.
type cursor struct {
	mode    Mode
	targets map[int64]int64
	// known holds the last persisted count per container. It seeds
	// prevCount when a container becomes active, and is updated on
	// every tick.
	known map[int64]int64

	active    int64
	hasActive bool
	prevCount int64
}

func newCursor(mode Mode, targets, known map[int64]int64) *cursor {
	return &cursor{mode: mode, targets: targets, known: known}
}

// tick classifies one sensor reading. Counts are compared against the
// previous reading for the same container; on the first tick for a
// container the baseline is its last persisted count, not the tick
// itself.
func (c *cursor) tick(containerID, count int64) Progress {
	p := Progress{Kind: KindTick, ContainerID: containerID, Count: count}

	if c.hasActive && c.active != containerID {
		p.CompletedContainerID = c.active
	}
	if !c.hasActive || c.active != containerID {
		c.prevCount = c.known[containerID]
		c.active = containerID
		c.hasActive = true
	}

	delta := count - c.prevCount
	target, hasTarget := c.targets[containerID]

	switch c.mode {
	case ModeStore:
		if delta < 0 {
			p.WrongDirection = true
			if hasTarget && count <= target {
				p.Warning = WarningStoreInstead
			}
		}
	case ModePick:
		if delta > 0 {
			p.WrongDirection = true
			if hasTarget && count >= target {
				p.Warning = WarningPickInstead
			}
		}
	}

	c.known[containerID] = count
	c.prevCount = count
	return p
}
