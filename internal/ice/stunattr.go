package ice

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/stun/v3"
)

// ICE-specific STUN attributes (RFC 8445 section 16.1).

type priorityAttr uint32

func (p priorityAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(p))
	m.Add(stun.AttrPriority, v)
	return nil
}

func (p *priorityAttr) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrPriority)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return fmt.Errorf("PRIORITY: unexpected length %d", len(v))
	}
	*p = priorityAttr(binary.BigEndian.Uint32(v))
	return nil
}

type roleAttr struct {
	controlling bool
	tieBreaker  uint64
}

func (r roleAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, r.tieBreaker)
	if r.controlling {
		m.Add(stun.AttrICEControlling, v)
	} else {
		m.Add(stun.AttrICEControlled, v)
	}
	return nil
}

func (r *roleAttr) GetFrom(m *stun.Message) error {
	if v, err := m.Get(stun.AttrICEControlling); err == nil && len(v) == 8 {
		r.controlling = true
		r.tieBreaker = binary.BigEndian.Uint64(v)
		return nil
	}
	v, err := m.Get(stun.AttrICEControlled)
	if err != nil {
		return err
	}
	if len(v) != 8 {
		return fmt.Errorf("ICE-CONTROLLED: unexpected length %d", len(v))
	}
	r.controlling = false
	r.tieBreaker = binary.BigEndian.Uint64(v)
	return nil
}

type useCandidateAttr struct{}

func (useCandidateAttr) AddTo(m *stun.Message) error {
	m.Add(stun.AttrUseCandidate, nil)
	return nil
}

func hasUseCandidate(m *stun.Message) bool {
	return m.Contains(stun.AttrUseCandidate)
}
