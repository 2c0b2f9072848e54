package protocol

import "github.com/google/uuid"

// Envelope tags an external command with a correlation ID so a command and
// whatever log lines or events it triggers can be tied together, without
// requiring Protocol.Command itself to carry one.
type Envelope[C any] struct {
	ID  uuid.UUID
	Cmd C
}

// NewEnvelope wraps cmd with a freshly generated correlation ID.
func NewEnvelope[C any](cmd C) Envelope[C] {
	return Envelope[C]{ID: uuid.New(), Cmd: cmd}
}

func (e Envelope[C]) String() string {
	return e.ID.String()
}
