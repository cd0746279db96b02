package manager

import "github.com/nodelink/linkmesh/pkg/wire"

type targetKind int

const (
	targetConnectionID targetKind = iota
	targetGroup
	targetMatcher
)

// Target is the tagged variant Send uses to pick the destination
// connection(s) for a message: a single connection_id, a service group, or
// a matcher over remote identities.
type Target struct {
	kind         targetKind
	connectionID string
	groupName    string
	matcher      wire.Matcher
}

// ByConnectionID addresses a single connection directly.
func ByConnectionID(id string) Target {
	return Target{kind: targetConnectionID, connectionID: id}
}

// ByGroup addresses every Ready member of a service group.
func ByGroup(name string) Target {
	return Target{kind: targetGroup, groupName: name}
}

// ByMatcher addresses every Ready connection whose remote identity satisfies m.
func ByMatcher(m wire.Matcher) Target {
	return Target{kind: targetMatcher, matcher: m}
}
