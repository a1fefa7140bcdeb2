package lxmf

import (
	"bytes"
	"testing"
)

func TestGenerateWorkblockLengthAndDeterminism(t *testing.T) {
	material := bytes.Repeat([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 8) // 32 bytes

	wb1, err := GenerateWorkblock(material, 2)
	if err != nil {
		t.Fatalf("GenerateWorkblock: %v", err)
	}
	if len(wb1) != 512 {
		t.Fatalf("workblock length = %d, want 512", len(wb1))
	}

	wb2, err := GenerateWorkblock(material, 2)
	if err != nil {
		t.Fatalf("GenerateWorkblock: %v", err)
	}
	if !bytes.Equal(wb1, wb2) {
		t.Fatalf("GenerateWorkblock is not deterministic for identical input")
	}

	// The two 256-byte rounds must differ — each round salts with its own
	// round number, so a degenerate implementation that ignores n would
	// produce two identical halves.
	if bytes.Equal(wb1[:256], wb1[256:]) {
		t.Fatalf("workblock rounds are identical, expected round-dependent output")
	}
}

func TestGenerateWorkblockVariesWithMaterial(t *testing.T) {
	a, err := GenerateWorkblock([]byte("destination-a"), 1)
	if err != nil {
		t.Fatalf("GenerateWorkblock: %v", err)
	}
	b, err := GenerateWorkblock([]byte("destination-b"), 1)
	if err != nil {
		t.Fatalf("GenerateWorkblock: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("workblocks for distinct material must differ")
	}
}

func TestValidateStampRoundTrip(t *testing.T) {
	workblock, err := GenerateWorkblock([]byte("validate-stamp-target"), 1)
	if err != nil {
		t.Fatalf("GenerateWorkblock: %v", err)
	}

	const cost = 8
	stamp, err := GenerateStamp(workblock, cost, 4, nil)
	if err != nil {
		t.Fatalf("GenerateStamp: %v", err)
	}
	if len(stamp) != StampLen {
		t.Fatalf("stamp length = %d, want %d", len(stamp), StampLen)
	}
	if !ValidateStamp(stamp, workblock, cost) {
		t.Fatalf("generated stamp failed its own validation at cost %d", cost)
	}
	if StampValue(workblock, stamp) < cost {
		t.Fatalf("stamp_value below the cost the stamp was mined against")
	}

	// A stamp mined for a different workblock must not validate here.
	other, err := GenerateWorkblock([]byte("a-different-destination"), 1)
	if err != nil {
		t.Fatalf("GenerateWorkblock: %v", err)
	}
	if ValidateStamp(stamp, other, cost) {
		t.Fatalf("stamp validated against the wrong workblock")
	}
}

func TestGenerateStampCancellable(t *testing.T) {
	workblock, err := GenerateWorkblock([]byte("cancel-me"), 1)
	if err != nil {
		t.Fatalf("GenerateWorkblock: %v", err)
	}

	cancel := make(chan struct{})
	close(cancel)
	if _, err := GenerateStamp(workblock, 256, 2, cancel); err == nil {
		t.Fatalf("expected error for unsatisfiable cost with a closed cancel channel")
	}
}
