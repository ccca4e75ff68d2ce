package protocol

import (
	"bytes"
	"testing"
)

func TestCommandEncodeDecodeTaggedRoundtrip(t *testing.T) {
	d := &Dictionary{
		Commands: map[string]int{
			"queue_step oid=%c interval=%u count=%hu add=%hi": 5,
		},
	}
	cmdFmts, err := d.BuildCommandFormats()
	if err != nil {
		t.Fatalf("BuildCommandFormats: %v", err)
	}

	cmd := NewCommand("queue_step").
		WithInt("oid", 3).
		WithInt("interval", 1000).
		WithInt("count", 5).
		WithInt("add", -1)

	enc, err := cmd.Encode(cmdFmts)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	formatsByID := map[int]*MessageFormat{}
	for _, f := range cmdFmts {
		formatsByID[f.ID] = f
	}

	dec, err := DecodeTaggedCommand(enc, formatsByID)
	if err != nil {
		t.Fatalf("DecodeTaggedCommand: %v", err)
	}

	if dec.Name != cmd.Name {
		t.Fatalf("Name = %q, want %q", dec.Name, cmd.Name)
	}
	for name, want := range cmd.Args {
		got, ok := dec.Args[name]
		if !ok {
			t.Fatalf("decoded command missing argument %q", name)
		}
		if got != want {
			t.Fatalf("arg %q = %d, want %d", name, got, want)
		}
	}
}

func TestCommandEncodeDecodeTaggedWithBufferArg(t *testing.T) {
	d := &Dictionary{
		Commands: map[string]int{
			"config_ds18b20 oid=%c serial=%*s max_error_count=%c": 11,
		},
	}
	cmdFmts, err := d.BuildCommandFormats()
	if err != nil {
		t.Fatalf("BuildCommandFormats: %v", err)
	}

	cmd := NewCommand("config_ds18b20").
		WithInt("oid", 0).
		WithBytes("serial", []byte{1, 2, 3, 4}).
		WithInt("max_error_count", 4)

	enc, err := cmd.Encode(cmdFmts)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	formatsByID := map[int]*MessageFormat{}
	for _, f := range cmdFmts {
		formatsByID[f.ID] = f
	}

	dec, err := DecodeTaggedCommand(enc, formatsByID)
	if err != nil {
		t.Fatalf("DecodeTaggedCommand: %v", err)
	}
	if !bytes.Equal(dec.Buf["serial"], []byte{1, 2, 3, 4}) {
		t.Fatalf("Buf[serial] = %v, want %v", dec.Buf["serial"], []byte{1, 2, 3, 4})
	}
}

func TestCommandEncodeMissingArgument(t *testing.T) {
	d := &Dictionary{
		Commands: map[string]int{"finalize_config crc=%u": 9},
	}
	cmdFmts, err := d.BuildCommandFormats()
	if err != nil {
		t.Fatalf("BuildCommandFormats: %v", err)
	}

	cmd := NewCommand("finalize_config")
	if _, err := cmd.Encode(cmdFmts); err == nil {
		t.Fatal("expected error for missing argument")
	}
}

func TestCommandEncodeUnknownCommand(t *testing.T) {
	cmd := NewCommand("not_a_real_command")
	if _, err := cmd.Encode(map[string]*MessageFormat{}); err == nil {
		t.Fatal("expected error for unknown command name")
	}
}

func TestDecodeTaggedCommandUnknownMessageID(t *testing.T) {
	data := []byte{}
	EncodeUint32(&data, 42)
	if _, err := DecodeTaggedCommand(data, map[int]*MessageFormat{}); err == nil {
		t.Fatal("expected error for unknown message id")
	}
}
