package session

import (
	"strings"

	"github.com/vango-go/vai-caseworker/pkg/core/claim"
	"github.com/vango-go/vai-caseworker/pkg/live/channel"
)

// fragments accumulates streamed transcription per speaker until the utterance
// is finished, so the transcript gets one entry per utterance.
type fragments struct {
	buf  map[channel.TranscriptRole]*strings.Builder
	last channel.TranscriptRole
}

func newFragments() fragments {
	return fragments{buf: make(map[channel.TranscriptRole]*strings.Builder, 2)}
}

func (f *fragments) reset() {
	for _, b := range f.buf {
		b.Reset()
	}
	f.last = ""
}

func (f *fragments) add(role channel.TranscriptRole, text string) {
	b := f.buf[role]
	if b == nil {
		b = &strings.Builder{}
		f.buf[role] = b
	}
	b.WriteString(text)
	f.last = role
}

func (f *fragments) flush(role channel.TranscriptRole, t *claim.Transcript) {
	b := f.buf[role]
	if b == nil {
		return
	}
	text := strings.Join(strings.Fields(b.String()), " ")
	b.Reset()
	if text == "" {
		return
	}
	t.Append(transcriptRole(role), text)
}

func transcriptRole(role channel.TranscriptRole) claim.Role {
	if role == channel.TranscriptOutput {
		return claim.RoleAgent
	}
	return claim.RoleUser
}

func (m *Machine) fragment(role channel.TranscriptRole, text string, final bool) {
	if m.partials.last != "" && m.partials.last != role {
		m.partials.flush(m.partials.last, m.transcript)
	}
	m.partials.add(role, text)
	if final {
		m.partials.flush(role, m.transcript)
	}
}

func (m *Machine) flushAll() {
	m.partials.flush(channel.TranscriptInput, m.transcript)
	m.partials.flush(channel.TranscriptOutput, m.transcript)
	m.partials.last = ""
}
