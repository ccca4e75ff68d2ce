package protocol

import "fmt"

// Command is a tagged-variant value: a command name plus named arguments,
// encoded against a session's negotiated Dictionary. This is the Go
// realization of SPEC_FULL.md §9's "tagged-variant command value plus a
// schema (the dictionary) that drives encoding; no runtime reflection
// needed" redesign guidance — the dynamic-typing pattern of the original
// command dispatch replaced with a schema lookup at encode time.
type Command struct {
	Name string
	Args map[string]int32
	// Buf holds any buffer-typed ("string"/"buffer") argument values,
	// keyed by parameter name, since those are not representable as int32.
	Buf map[string][]byte
}

// NewCommand constructs a Command with no arguments set.
func NewCommand(name string) *Command {
	return &Command{Name: name, Args: make(map[string]int32)}
}

// WithInt sets an integer-typed argument and returns the command for
// chaining.
func (c *Command) WithInt(name string, v int32) *Command {
	c.Args[name] = v
	return c
}

// WithBytes sets a buffer/string-typed argument and returns the command
// for chaining.
func (c *Command) WithBytes(name string, v []byte) *Command {
	if c.Buf == nil {
		c.Buf = make(map[string][]byte)
	}
	c.Buf[name] = v
	return c
}

// Encode serializes the command per its MessageFormat from the given
// formats table (as produced by Dictionary.BuildCommandFormats), in
// parameter order: message id followed by each named parameter's VLQ
// encoding.
func (c *Command) Encode(formats map[string]*MessageFormat) ([]byte, error) {
	f, ok := formats[c.Name]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown command %q", c.Name)
	}

	var out []byte
	EncodeUint32(&out, int32(f.ID))
	for i, name := range f.ParamNames {
		pt := f.ParamTypes[i]
		if pt.IsDynamicString() {
			db, ok := pt.(dynString)
			if !ok {
				return nil, fmt.Errorf("protocol: param %q declared dynamic but has no byte codec", name)
			}
			buf, ok := c.Buf[name]
			if !ok {
				return nil, fmt.Errorf("protocol: command %q missing buffer argument %q", c.Name, name)
			}
			db.EncodeBytes(&out, buf)
			continue
		}
		v, ok := c.Args[name]
		if !ok {
			return nil, fmt.Errorf("protocol: command %q missing argument %q", c.Name, name)
		}
		pt.EncodeInt(&out, v)
	}
	return out, nil
}

// DecodeTaggedCommand parses a raw payload (as produced by Encode, or
// received from the wire) back into a tagged Command, using formats keyed
// by message id instead of name — the shape Dictionary.BuildResponseFormats
// (response side) produces. Named apart from the package's existing
// line-oriented DecodeCommand (encode.go), which decodes to a
// human-readable string rather than a Command value.
func DecodeTaggedCommand(payload []byte, formatsByID map[int]*MessageFormat) (*Command, error) {
	id, pos := DecodeUint32(payload, 0)
	f, ok := formatsByID[int(id)]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown message id %d", id)
	}

	cmd := &Command{Name: f.Name, Args: make(map[string]int32)}
	for i, name := range f.ParamNames {
		pt := f.ParamTypes[i]
		if pt.IsDynamicString() {
			db, ok := pt.(dynString)
			if !ok {
				return nil, fmt.Errorf("protocol: param %q declared dynamic but has no byte codec", name)
			}
			var buf []byte
			buf, pos = db.DecodeBytes(payload, pos)
			cmd.WithBytes(name, buf)
			continue
		}
		var v int32
		v, pos = pt.DecodeInt(payload, pos)
		cmd.Args[name] = v
	}
	return cmd, nil
}
