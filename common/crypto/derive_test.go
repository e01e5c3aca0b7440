package crypto_test

import (
	"bytes"
	"testing"

	"github.com/airlock-project/airlock/common/crypto"
)

func TestDeriveKey_DistinctPurposes(t *testing.T) {
	master := makeKey(t)

	artifacts, err := crypto.DeriveKey(master, "airlock/artifacts")
	if err != nil {
		t.Fatalf("DeriveKey(artifacts): %v", err)
	}
	attachments, err := crypto.DeriveKey(master, "airlock/attachments")
	if err != nil {
		t.Fatalf("DeriveKey(attachments): %v", err)
	}

	if len(artifacts) != crypto.KeySize {
		t.Fatalf("derived key length = %d, want %d", len(artifacts), crypto.KeySize)
	}
	if bytes.Equal(artifacts, attachments) {
		t.Error("different info strings produced identical subkeys")
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	master := makeKey(t)

	k1, err := crypto.DeriveKey(master, "airlock/artifacts")
	if err != nil {
		t.Fatalf("first DeriveKey: %v", err)
	}
	k2, err := crypto.DeriveKey(master, "airlock/artifacts")
	if err != nil {
		t.Fatalf("second DeriveKey: %v", err)
	}

	if !bytes.Equal(k1, k2) {
		t.Error("same master and info produced different subkeys")
	}
}

func TestDeriveKey_RejectsShortMaster(t *testing.T) {
	if _, err := crypto.DeriveKey(make([]byte, 8), "x"); err == nil {
		t.Fatal("expected error for short master key, got nil")
	}
}
