package wall

import (
	"sort"

	"github.com/Sira-K/Multiscreen-sub000/internal/relay"
)

// Well-known base ports; group k occupies base+10k for each of the four slots.
const (
	baseRelayPort     = 10080
	baseControlPort   = 10081
	baseAPIPort       = 10082
	baseRelayDataPort = 10083

	portStride      = 10
	maxPortAttempts = 50
)

func blockAt(k int) relay.PortBindings {
	off := portStride * k
	return relay.PortBindings{
		RelayPort:     baseRelayPort + off,
		ControlPort:   baseControlPort + off,
		APIPort:       baseAPIPort + off,
		RelayDataPort: baseRelayDataPort + off,
	}
}

func blockPorts(b relay.PortBindings) [4]int {
	return [4]int{b.RelayPort, b.ControlPort, b.APIPort, b.RelayDataPort}
}

func blocksOverlap(a, b relay.PortBindings) bool {
	for _, pa := range blockPorts(a) {
		for _, pb := range blockPorts(b) {
			if pa == pb {
				return true
			}
		}
	}
	return false
}

// AllocatePorts deterministically assigns a four-port block to groupID.
//
// The starting offset is the group's position in the sorted order of all ids
// (existing plus the new one). If the computed block collides with any
// existing group's ports, the offset advances until a free block is found,
// bounded by maxPortAttempts; exhausting the bound falls back to the computed
// block and reports conflict=true instead of failing.
func AllocatePorts(groupID string, existing []Group) (relay.PortBindings, bool) {
	ids := make([]string, 0, len(existing)+1)
	for _, g := range existing {
		ids = append(ids, g.ID)
	}
	ids = append(ids, groupID)
	sort.Strings(ids)

	k := sort.SearchStrings(ids, groupID)

	taken := make([]relay.PortBindings, 0, len(existing))
	for _, g := range existing {
		taken = append(taken, g.Ports)
	}

	candidate := blockAt(k)
	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		block := blockAt(k + attempt)
		conflict := false
		for _, t := range taken {
			if blocksOverlap(block, t) {
				conflict = true
				break
			}
		}
		if !conflict {
			return block, false
		}
	}
	return candidate, true
}
