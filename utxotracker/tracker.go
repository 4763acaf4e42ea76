package utxotracker

import (
	"sync"

	"github.com/hydrapay/hydragated/cardano"
)

// Tracker maintains the authoritative mapping of output reference to output
// for the channel, reconciled from the event streams of one or more node
// connections. The live set is never exposed; callers read deep copies.
type Tracker struct {
	mu sync.RWMutex

	// utxos is the reconciled live output set.
	utxos map[cardano.OutputRef]cardano.Output

	// participants records each participant's view of the set of
	// references, used to detect divergence between the two nodes.
	participants map[string]map[cardano.OutputRef]struct{}

	// divergent records whether the participant views disagreed at the
	// last comparison.
	divergent bool
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		utxos:        make(map[cardano.OutputRef]cardano.Output),
		participants: make(map[string]map[cardano.OutputRef]struct{}),
	}
}

// ApplyFullSnapshot replaces the entire set with the given outputs. Used on
// the response to a snapshot request and on first connect.
func (t *Tracker) ApplyFullSnapshot(participant string,
	outputs map[cardano.OutputRef]cardano.Output) {

	t.mu.Lock()
	defer t.mu.Unlock()

	t.utxos = make(map[cardano.OutputRef]cardano.Output, len(outputs))
	for ref, output := range outputs {
		t.utxos[ref] = output.Copy()
	}

	// The wholesale replace invalidates whatever the other participants
	// last reported, so their recorded views are re-baselined to the new
	// set instead of being compared stale. Divergence resumes with their
	// next message.
	refs := make(map[cardano.OutputRef]struct{}, len(outputs))
	for ref := range outputs {
		refs[ref] = struct{}{}
	}
	t.participants[participant] = refs

	for name := range t.participants {
		if name == participant {
			continue
		}

		cp := make(map[cardano.OutputRef]struct{}, len(refs))
		for ref := range refs {
			cp[ref] = struct{}{}
		}
		t.participants[name] = cp
	}

	log.Debugf("Full snapshot from %s: %d output(s)", participant,
		len(outputs))

	t.checkDivergence()
}

// ApplyDiff applies an incremental snapshot: nil entries are tombstones
// removing the output, non-nil entries are upserted. Diffs from one
// connection must be applied in arrival order, which the caller guarantees
// by dispatching from a single goroutine per connection.
func (t *Tracker) ApplyDiff(participant string,
	diff map[cardano.OutputRef]*cardano.Output) {

	t.mu.Lock()
	defer t.mu.Unlock()

	refs, ok := t.participants[participant]
	if !ok {
		refs = make(map[cardano.OutputRef]struct{})
		t.participants[participant] = refs
	}

	var added, removed int
	for ref, output := range diff {
		if output == nil {
			delete(t.utxos, ref)
			delete(refs, ref)
			removed++
			continue
		}

		t.utxos[ref] = output.Copy()
		refs[ref] = struct{}{}
		added++
	}

	log.Debugf("Diff from %s: %d upserted, %d removed, %d live",
		participant, added, removed, len(t.utxos))

	t.checkDivergence()
}

// Snapshot returns a deep copy of the current output set.
func (t *Tracker) Snapshot() map[cardano.OutputRef]cardano.Output {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cp := make(map[cardano.OutputRef]cardano.Output, len(t.utxos))
	for ref, output := range t.utxos {
		cp[ref] = output.Copy()
	}

	return cp
}

// Len returns the number of live outputs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.utxos)
}

// Clear empties the set, used when the head closes or fans out.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	log.Infof("Clearing channel output set, dropping %d output(s)",
		len(t.utxos))

	t.utxos = make(map[cardano.OutputRef]cardano.Output)
	t.participants = make(map[string]map[cardano.OutputRef]struct{})
	t.divergent = false
}

// Divergent reports whether the participant views disagreed at the last
// comparison.
func (t *Tracker) Divergent() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.divergent
}

// checkDivergence compares the per-participant reference sets and logs a
// consistency warning when they disagree. Both nodes observe the same
// channel and should converge; persistent divergence is an operational
// alert, never auto-resolved here.
//
// NOTE: must be called with the tracker lock held.
func (t *Tracker) checkDivergence() {
	if len(t.participants) < 2 {
		t.divergent = false
		return
	}

	t.divergent = false

	var (
		firstName string
		firstRefs map[cardano.OutputRef]struct{}
	)
	for name, refs := range t.participants {
		if firstRefs == nil {
			firstName = name
			firstRefs = refs
			continue
		}

		if !sameRefs(firstRefs, refs) {
			t.divergent = true

			log.Warnf("Channel consistency warning: participant "+
				"%s tracks %d output(s), %s tracks %d; views "+
				"have diverged", firstName, len(firstRefs),
				name, len(refs))
		}
	}
}

func sameRefs(a, b map[cardano.OutputRef]struct{}) bool {
	if len(a) != len(b) {
		return false
	}

	for ref := range a {
		if _, ok := b[ref]; !ok {
			return false
		}
	}

	return true
}
