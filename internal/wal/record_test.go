package wal

import "testing"

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	rec := Record{Seq: 42, Opcode: OpInsert, Body: []byte("hello")}
	encoded := rec.Encode()

	seq, bodyLen, crc, op, err := decodeHeader(encoded[:HeaderSize])
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if seq != rec.Seq {
		t.Errorf("seq mismatch: expected %d, got %d", rec.Seq, seq)
	}
	if int(bodyLen) != len(rec.Body) {
		t.Errorf("bodyLen mismatch: expected %d, got %d", len(rec.Body), bodyLen)
	}
	if op != rec.Opcode {
		t.Errorf("opcode mismatch: expected %v, got %v", rec.Opcode, op)
	}
	if crc != crcOf(rec.Seq, rec.Body) {
		t.Errorf("crc mismatch")
	}
}

func TestInsertBodyEncodeDecodeRoundTrip(t *testing.T) {
	vector := []float32{1, 0, 0.5, -0.25}
	payload := []byte(`{"cat":"x"}`)
	body := EncodeInsertBody("doc-1", vector, payload)

	id, vec, pl, err := DecodeInsertBody(body)
	if err != nil {
		t.Fatalf("DecodeInsertBody: %v", err)
	}
	if id != "doc-1" {
		t.Errorf("id mismatch: expected doc-1, got %q", id)
	}
	if len(vec) != len(vector) {
		t.Fatalf("vector length mismatch: expected %d, got %d", len(vector), len(vec))
	}
	for i := range vector {
		if vec[i] != vector[i] {
			t.Errorf("vector[%d] mismatch: expected %f, got %f", i, vector[i], vec[i])
		}
	}
	if string(pl) != string(payload) {
		t.Errorf("payload mismatch: expected %q, got %q", payload, pl)
	}
}

func TestInsertBodyNoPayload(t *testing.T) {
	body := EncodeInsertBody("doc-2", []float32{1, 2, 3}, nil)
	id, vec, pl, err := DecodeInsertBody(body)
	if err != nil {
		t.Fatalf("DecodeInsertBody: %v", err)
	}
	if id != "doc-2" || len(vec) != 3 || len(pl) != 0 {
		t.Errorf("unexpected decode result: id=%q vec=%v pl=%v", id, vec, pl)
	}
}

func TestDeleteBodyEncodeDecodeRoundTrip(t *testing.T) {
	body := EncodeDeleteBody("doc-to-delete")
	id, err := DecodeDeleteBody(body)
	if err != nil {
		t.Fatalf("DecodeDeleteBody: %v", err)
	}
	if id != "doc-to-delete" {
		t.Errorf("id mismatch: expected doc-to-delete, got %q", id)
	}
}

func TestDecodeInsertBodyTruncated(t *testing.T) {
	body := EncodeInsertBody("doc-1", []float32{1, 2, 3}, []byte("{}"))
	if _, _, _, err := DecodeInsertBody(body[:len(body)-3]); err == nil {
		t.Error("expected error decoding truncated insert body")
	}
}

func TestOpcodeString(t *testing.T) {
	cases := []struct {
		op   Opcode
		want string
	}{
		{OpInsert, "INSERT"},
		{OpDelete, "DELETE"},
		{Opcode(99), "UNKNOWN(99)"},
	}
	for _, c := range cases {
		if got := c.op.String(); got != c.want {
			t.Errorf("Opcode(%d).String() = %q, want %q", c.op, got, c.want)
		}
	}
}
