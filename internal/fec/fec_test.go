package fec

import (
	"bytes"
	"math/rand"
	"testing"
)

func fixedData(k int, fill byte) []byte {
	data := make([]byte, k*CellSize)
	for i := range data {
		data[i] = fill
	}
	return data
}

func TestEncodeDecodeNoLoss(t *testing.T) {
	codec, err := NewCodec(DefaultK, DefaultN)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	data := fixedData(DefaultK, 0x42)
	cells, err := codec.EncodeGroup(1, data)
	if err != nil {
		t.Fatalf("EncodeGroup: %v", err)
	}
	if len(cells) != DefaultN {
		t.Fatalf("got %d cells, want %d", len(cells), DefaultN)
	}

	group := codec.NewGroup(1)
	for _, c := range cells {
		if _, err := group.Add(c); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got, err := group.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("decoded data mismatch")
	}
}

func TestRecoversFromMaxAllowedLoss(t *testing.T) {
	codec, err := NewCodec(DefaultK, DefaultN)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	data := fixedData(DefaultK, 0x7a)
	cells, err := codec.EncodeGroup(2, data)
	if err != nil {
		t.Fatalf("EncodeGroup: %v", err)
	}

	lost := DefaultN - DefaultK
	rng := rand.New(rand.NewSource(1))
	dropped := make(map[int]bool)
	for len(dropped) < lost {
		dropped[rng.Intn(DefaultN)] = true
	}

	group := codec.NewGroup(2)
	var ready bool
	for _, c := range cells {
		if dropped[c.Index] {
			continue
		}
		ready, err = group.Add(c)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if !ready {
		t.Fatal("expected group to be ready to decode")
	}

	got, err := group.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("decoded data mismatch after reconstruction")
	}
}

func TestUnrecoverableWhenTooManyCellsMissing(t *testing.T) {
	codec, err := NewCodec(DefaultK, DefaultN)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	data := fixedData(DefaultK, 0x01)
	cells, err := codec.EncodeGroup(3, data)
	if err != nil {
		t.Fatalf("EncodeGroup: %v", err)
	}

	group := codec.NewGroup(3)
	for _, c := range cells[:DefaultK-1] { // one short of the minimum
		group.Add(c)
	}

	if _, err := group.Decode(); err == nil {
		t.Fatal("expected unrecoverable error")
	}
}

func TestOutOfOrderArrivalTolerated(t *testing.T) {
	codec, err := NewCodec(DefaultK, DefaultN)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	data := fixedData(DefaultK, 0x99)
	cells, err := codec.EncodeGroup(4, data)
	if err != nil {
		t.Fatalf("EncodeGroup: %v", err)
	}

	shuffled := make([]Cell, len(cells))
	copy(shuffled, cells)
	rng := rand.New(rand.NewSource(2))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	group := codec.NewGroup(4)
	for _, c := range shuffled {
		group.Add(c)
	}

	got, err := group.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("decoded data mismatch with out-of-order arrival")
	}
}

func TestEncodeGroupRejectsOversizedData(t *testing.T) {
	codec, err := NewCodec(DefaultK, DefaultN)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	oversized := make([]byte, DefaultK*CellSize+1)
	if _, err := codec.EncodeGroup(5, oversized); err == nil {
		t.Fatal("expected error for oversized data")
	}
}
