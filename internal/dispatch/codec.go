package dispatch

import "fmt"

// DecoderFunc parses the wire form of one message type.
type DecoderFunc func(raw []byte) (Message, error)

// Codec maps message types to their wire decoders. Domain packages register
// decoders next to their handlers, so the intake surface stays generic.
type Codec struct {
	decoders map[MessageType]DecoderFunc
}

func NewCodec() *Codec {
	return &Codec{decoders: make(map[MessageType]DecoderFunc)}
}

// Register binds a decoder. Duplicate registration panics for the same reason
// duplicate handler registration does.
func (c *Codec) Register(t MessageType, fn DecoderFunc) {
	if _, dup := c.decoders[t]; dup {
		panic(fmt.Sprintf("dispatch: duplicate decoder registration for %q", t))
	}
	c.decoders[t] = fn
}

// Decode parses raw into the concrete message for the type.
func (c *Codec) Decode(t MessageType, raw []byte) (Message, error) {
	fn, ok := c.decoders[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, t)
	}
	return fn(raw)
}
