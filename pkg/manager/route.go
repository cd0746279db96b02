package manager

import (
	"dario.cat/mergo"

	"github.com/nodelink/linkmesh/pkg/lerrors"
	"github.com/nodelink/linkmesh/pkg/wire"
)

// Send routes msg to the connection(s) named by target and returns the
// connection_ids the message was actually sent to. A send failure on any
// individual connection aborts the batch; connections reached before the
// failure are still reported as sent.
func (m *Manager) Send(target Target, msg *wire.Message) ([]string, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}

	switch target.kind {
	case targetConnectionID:
		c := m.getConnection(target.connectionID)
		if c == nil || !c.IsReady() {
			return nil, nil
		}
		if err := c.Send(msg); err != nil {
			return nil, err
		}
		return []string{target.connectionID}, nil

	case targetGroup:
		sent := make([]string, 0)
		for _, id := range m.groupMembers(target.groupName) {
			c := m.getConnection(id)
			if c == nil || !c.IsReady() {
				continue
			}
			if err := c.Send(msg); err != nil {
				return sent, err
			}
			sent = append(sent, id)
		}
		return sent, nil

	case targetMatcher:
		m.mu.Lock()
		ids := append([]string(nil), m.order...)
		m.mu.Unlock()

		sent := make([]string, 0)
		for _, id := range ids {
			c := m.getConnection(id)
			if c == nil || !c.IsReady() {
				continue
			}
			remote, ok := c.RemoteIdentity()
			if !ok || !target.matcher(remote) {
				continue
			}
			if err := c.Send(msg); err != nil {
				return sent, err
			}
			sent = append(sent, id)
		}
		return sent, nil

	default:
		return nil, lerrors.New(lerrors.CodeUsageInvalid, "unknown target kind", nil)
	}
}

// UpdateLocalIdentity merges updates into local_user_metadata, then
// broadcasts IDENTITY_UPDATE to every Ready peer. Subsequent outgoing
// handshakes use the new metadata.
func (m *Manager) UpdateLocalIdentity(updates wire.Metadata) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}

	m.mu.Lock()
	dst := map[string]any(m.localMeta.Clone())
	if dst == nil {
		dst = map[string]any{}
	}
	if err := mergo.Merge(&dst, map[string]any(updates), mergo.WithOverride); err != nil {
		m.mu.Unlock()
		return lerrors.New(lerrors.CodeProtocolError, "failed to merge local identity update", err)
	}
	m.localMeta = wire.Metadata(dst)
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	msg := &wire.Message{Type: wire.TypeIdentityUpdate, Updates: updates}
	for _, id := range ids {
		c := m.getConnection(id)
		if c == nil || !c.IsReady() {
			continue
		}
		_ = c.Send(msg)
	}
	return nil
}
